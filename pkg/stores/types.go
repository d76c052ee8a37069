package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a bring-up run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one bring-up run.
type Run struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Profile     string     `json:"profile"`
	Environment string     `json:"environment"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AttemptRecord is one persisted operation attempt. Attempts are
// append-only; rows are never updated.
type AttemptRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Operation   string    `json:"operation"`
	Attempt     int       `json:"attempt"`
	ExitCode    int       `json:"exit_code"`
	Output      string    `json:"output"`
	FailureKind string    `json:"failure_kind"` // empty for successes
	Remediated  bool      `json:"remediated"`
	StartedAt   time.Time `json:"started_at"`
	Duration    int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// GateRecord is one persisted health gate resolution.
type GateRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Gate      string    `json:"gate"`
	Outcome   string    `json:"outcome"`
	Waited    int64     `json:"waited_ms"`
	Pending   string    `json:"pending"` // comma-separated probe names
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the interface for the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Attempt operations (append-only)
	AppendAttempt(ctx context.Context, attempt *AttemptRecord) error
	ListAttemptsByRun(ctx context.Context, runID string) ([]*AttemptRecord, error)

	// Gate operations (append-only)
	AppendGate(ctx context.Context, gate *GateRecord) error
	ListGatesByRun(ctx context.Context, runID string) ([]*GateRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
