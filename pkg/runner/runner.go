// Package runner executes external operations under a bounded
// remediate-and-retry policy. Each operation gets a fixed attempt budget;
// a retry is spent only after a failure was classified as correctable and
// its remediation verified. Terminal failures stop immediately no matter
// how much budget remains.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tierup/tierup/pkg/classify"
	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/telemetry"
)

// Status is the terminal state of one operation execution.
type Status string

const (
	// StatusSucceeded means an attempt exited zero.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means a terminal failure kind was observed or a
	// remediation did not correct the condition.
	StatusFailed Status = "failed"

	// StatusExhausted means every attempt in the budget failed with a
	// correctable kind that remediation could not ultimately fix.
	StatusExhausted Status = "exhausted"
)

// IsTerminal reports whether the status ends the operation. All runner
// statuses are terminal; the method exists for symmetry with run-level
// statuses consumed by the same reporting code.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExhausted
}

// Operation is one retryable external command.
type Operation struct {
	// Name identifies the operation in logs, metrics, and history.
	Name string

	// Argv is the command to execute.
	Argv []string
}

// Attempt is the immutable record of one execution attempt. The runner
// appends attempts to the result history and never mutates earlier ones.
type Attempt struct {
	// Number is the 1-based attempt counter.
	Number int

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// Duration is the attempt's wall-clock time.
	Duration time.Duration

	// ExitCode is the command's exit status.
	ExitCode int

	// Output is the combined stdout and stderr, retained for diagnosis.
	Output string

	// Classification is the failure analysis. Zero value for successes.
	Classification classify.Classification

	// Remediated records whether a remediation ran and verified after
	// this attempt.
	Remediated bool
}

// Result is the outcome of running one operation to completion.
type Result struct {
	// Operation is the name of the executed operation.
	Operation string

	// Status is the terminal status.
	Status Status

	// Attempts is the append-only history, oldest first. Never empty.
	Attempts []Attempt

	// FailureKind is the classification of the last failed attempt.
	// Empty when the operation succeeded.
	FailureKind classify.Kind
}

// LastAttempt returns the final attempt of the history.
func (r Result) LastAttempt() Attempt {
	return r.Attempts[len(r.Attempts)-1]
}

// Remediator corrects a classified failure, returning true when a retry
// is worthwhile.
type Remediator interface {
	Remediate(ctx context.Context, cls classify.Classification) (bool, error)
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first.
	// Must be at least 1.
	MaxAttempts int
}

// DefaultPolicy matches the stack's standard three-attempt budget.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3}
}

// Runner drives operations through the attempt loop.
type Runner struct {
	exec       command.Executor
	remediator Remediator
	policy     Policy
	tel        *telemetry.Telemetry
	log        *telemetry.Logger
}

// New creates a runner. A nil remediator treats every failure as
// unremediable.
func New(exec command.Executor, remediator Remediator, policy Policy, tel *telemetry.Telemetry) (*Runner, error) {
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", policy.MaxAttempts)
	}
	return &Runner{
		exec:       exec,
		remediator: remediator,
		policy:     policy,
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("runner"),
	}, nil
}

// Run executes the operation until it succeeds, fails terminally, or the
// attempt budget runs out. The returned Result always carries at least
// one attempt; the error return is reserved for infrastructure failures
// such as the command being unrunnable or the context ending.
func (r *Runner) Run(ctx context.Context, op Operation) (Result, error) {
	result := Result{Operation: op.Name}
	log := r.log.WithOperation(op.Name)

	spanCtx, span := r.tel.Tracer.StartOperationSpan(ctx, op.Name)
	defer span.End()

	for attemptNo := 1; attemptNo <= r.policy.MaxAttempts; attemptNo++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("operation %s interrupted: %w", op.Name, err)
		}

		attemptLog := log.WithAttempt(attemptNo)
		attemptLog.Infof("running: %s", command.Describe(op.Argv))

		started := time.Now()
		res, err := r.exec.Run(spanCtx, op.Argv)
		if err != nil {
			return result, fmt.Errorf("operation %s attempt %d: %w", op.Name, attemptNo, err)
		}

		attempt := Attempt{
			Number:    attemptNo,
			StartedAt: started,
			Duration:  res.Duration,
			ExitCode:  res.ExitCode,
			Output:    res.Combined(),
		}

		if res.Succeeded() {
			result.Attempts = append(result.Attempts, attempt)
			result.Status = StatusSucceeded
			r.tel.Metrics.RecordOperationAttempt(op.Name, string(StatusSucceeded), res.Duration)
			telemetry.RecordSuccess(span)
			attemptLog.Info("operation succeeded")
			return result, nil
		}

		cls := classify.Classify(res.Combined())
		attempt.Classification = cls
		r.tel.Metrics.RecordOperationAttempt(op.Name, string(StatusFailed), res.Duration)
		r.tel.Metrics.RecordFailureClassified(string(cls.Kind))
		attemptLog.WithField("kind", string(cls.Kind)).
			WithField("exit_code", res.ExitCode).
			Warn("operation attempt failed")

		if cls.Kind.Terminal() || r.remediator == nil {
			result.Attempts = append(result.Attempts, attempt)
			result.Status = StatusFailed
			result.FailureKind = cls.Kind
			telemetry.RecordError(span, fmt.Errorf("terminal failure: %s", cls.Kind))
			return result, nil
		}

		if attemptNo == r.policy.MaxAttempts {
			// Budget spent; remediating now would have no retry to help.
			result.Attempts = append(result.Attempts, attempt)
			result.Status = StatusExhausted
			result.FailureKind = cls.Kind
			telemetry.RecordError(span, fmt.Errorf("attempt budget exhausted after %d attempts", attemptNo))
			return result, nil
		}

		remediated, err := r.remediator.Remediate(spanCtx, cls)
		if err != nil {
			attempt.Remediated = false
			result.Attempts = append(result.Attempts, attempt)
			result.Status = StatusFailed
			result.FailureKind = cls.Kind
			r.tel.Metrics.RecordRemediation(string(cls.Kind), "error")
			telemetry.RecordError(span, err)
			attemptLog.WithError(err).Error("remediation failed")
			return result, nil
		}
		if !remediated {
			result.Attempts = append(result.Attempts, attempt)
			result.Status = StatusFailed
			result.FailureKind = cls.Kind
			r.tel.Metrics.RecordRemediation(string(cls.Kind), "declined")
			telemetry.RecordError(span, fmt.Errorf("no remediation available for %s", cls.Kind))
			return result, nil
		}

		attempt.Remediated = true
		result.Attempts = append(result.Attempts, attempt)
		r.tel.Metrics.RecordRemediation(string(cls.Kind), "remediated")
		attemptLog.Info("remediation verified, retrying")
	}

	// Unreachable: every loop path returns.
	return result, fmt.Errorf("operation %s fell through the attempt loop", op.Name)
}
