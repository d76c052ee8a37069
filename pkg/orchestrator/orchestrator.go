// Package orchestrator sequences a full stack bring-up: environment
// validation, resource allocation, dependency tier, health gate, workload
// tier, health gate. The run is sequential by design; the only goroutine
// is a progress ticker that reports elapsed time and never influences
// control flow.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tierup/tierup/pkg/capacity"
	"github.com/tierup/tierup/pkg/classify"
	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/config"
	"github.com/tierup/tierup/pkg/envstore"
	"github.com/tierup/tierup/pkg/health"
	"github.com/tierup/tierup/pkg/remediate"
	"github.com/tierup/tierup/pkg/runner"
	"github.com/tierup/tierup/pkg/stores"
	"github.com/tierup/tierup/pkg/telemetry"
)

// Stage identifies one phase of the bring-up pipeline.
type Stage string

const (
	StageValidating          Stage = "validating"
	StageAllocatingResources Stage = "allocating_resources"
	StageDependencyTier      Stage = "dependency_tier"
	StageDependencyGate      Stage = "dependency_gate"
	StageWorkloadTier        Stage = "workload_tier"
	StageWorkloadGate        Stage = "workload_gate"
	StageComplete            Stage = "complete"
)

// Status is the terminal state of one run.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunResult is the immutable outcome of one orchestration run.
type RunResult struct {
	// RunID identifies the run in logs and history.
	RunID string

	// Status is the terminal status.
	Status Status

	// Stage is the stage reached when the run ended.
	Stage Stage

	// FailedOperation names the operation or gate that ended a failed
	// run. Empty on success.
	FailedOperation string

	// FailureKind is the classified kind of the fatal failure. Empty on
	// success and for gate timeouts.
	FailureKind classify.Kind

	// Err carries the failure detail. Nil on success.
	Err error

	// Elapsed is the total run duration.
	Elapsed time.Duration
}

// History persists run progress. All writes are best effort; the
// orchestrator logs and continues on history errors.
type History interface {
	CreateRun(ctx context.Context, run *stores.Run) error
	UpdateRunStatus(ctx context.Context, id string, status stores.RunStatus, errMsg *string) error
	AppendAttempt(ctx context.Context, attempt *stores.AttemptRecord) error
	AppendGate(ctx context.Context, gate *stores.GateRecord) error
}

// Orchestrator drives one bring-up run.
type Orchestrator struct {
	cfg     *config.Config
	exec    command.Executor
	tel     *telemetry.Telemetry
	history History
	log     *telemetry.Logger

	// host overrides detection when set, for tests and dry runs.
	host *capacity.HostCapacity

	// progressInterval is how often the background ticker reports.
	progressInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory attaches a run history store.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithHostCapacity overrides host detection.
func WithHostCapacity(host capacity.HostCapacity) Option {
	return func(o *Orchestrator) { o.host = &host }
}

// WithProgressInterval overrides the progress report period.
func WithProgressInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.progressInterval = d }
}

// New creates an orchestrator for the given stack.
func New(cfg *config.Config, exec command.Executor, tel *telemetry.Telemetry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:              cfg,
		exec:             exec,
		tel:              tel,
		log:              tel.Logger.NewComponentLogger("orchestrator"),
		progressInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Up executes the full bring-up pipeline and reports a terminal result.
// The environment file must have exactly one writer at a time; callers
// triggering concurrent runs need external mutual exclusion.
func (o *Orchestrator) Up(ctx context.Context) RunResult {
	runID := uuid.New().String()
	log := o.log.WithRunID(runID)
	started := time.Now()

	spanCtx, span := o.tel.Tracer.StartRunSpan(ctx, runID, string(o.cfg.Mode))
	defer span.End()

	o.tel.Metrics.RecordRunStarted(string(o.cfg.Mode))
	o.recordRunStarted(spanCtx, runID, started)

	stopProgress := o.startProgress(log, started)
	defer stopProgress()

	result := o.run(spanCtx, runID, log)
	result.RunID = runID
	result.Elapsed = time.Since(started)

	switch result.Status {
	case StatusComplete:
		telemetry.RecordSuccess(span)
		log.Infof("stack up in %s", result.Elapsed.Round(time.Second))
		o.recordRunFinished(spanCtx, runID, stores.RunStatusComplete, nil)
	case StatusCancelled:
		telemetry.RecordError(span, result.Err)
		log.Warn("run cancelled")
		o.recordRunFinished(spanCtx, runID, stores.RunStatusCancelled, result.Err)
	default:
		telemetry.RecordError(span, result.Err)
		log.WithError(result.Err).Errorf("run failed at %s", result.Stage)
		o.recordRunFinished(spanCtx, runID, stores.RunStatusFailed, result.Err)
	}
	o.tel.Metrics.RecordRunCompleted(string(result.Status), result.Elapsed)

	return result
}

// run walks the stage pipeline. Any stage failure short-circuits the rest.
func (o *Orchestrator) run(ctx context.Context, runID string, log *telemetry.Logger) RunResult {
	log.WithStage(string(StageValidating)).Info("validating environment")
	if err := o.prepareEnvironment(); err != nil {
		return RunResult{Status: StatusFailed, Stage: StageValidating, Err: err}
	}

	log.WithStage(string(StageAllocatingResources)).Info("allocating resources")
	if err := o.allocateResources(); err != nil {
		return RunResult{Status: StatusFailed, Stage: StageAllocatingResources, Err: err}
	}

	run, err := o.newRunner()
	if err != nil {
		return RunResult{Status: StatusFailed, Stage: StageDependencyTier, Err: err}
	}

	if result, failed := o.runTier(ctx, runID, log, run, StageDependencyTier, o.dependencyOperations()); failed {
		return result
	}
	if result, failed := o.awaitGate(ctx, runID, log, StageDependencyGate, "dependencies", o.cfg.Tiers.Dependencies); failed {
		return result
	}

	if result, failed := o.runTier(ctx, runID, log, run, StageWorkloadTier, o.workloadOperations()); failed {
		return result
	}
	if result, failed := o.awaitGate(ctx, runID, log, StageWorkloadGate, "workloads", o.cfg.Tiers.Workloads); failed {
		return result
	}

	return RunResult{Status: StatusComplete, Stage: StageComplete}
}

// prepareEnvironment loads the environment file, generates any missing
// required secrets, verifies every required key is present, and flushes.
// This runs before any external command so a doomed run has no side
// effects on the stack.
func (o *Orchestrator) prepareEnvironment() error {
	store, err := envstore.Load(o.cfg.EnvFilePath())
	if err != nil {
		return err
	}

	additions := make([]envstore.Addition, 0)
	for _, spec := range o.cfg.RequiredSecrets() {
		var generate func() (string, error)
		switch spec.Kind {
		case config.SecretHex:
			generate = envstore.HexSecret(32)
		case config.SecretPassword:
			generate = envstore.Password(24)
		default:
			return fmt.Errorf("unknown secret kind %q for %s", spec.Kind, spec.Key)
		}
		additions = append(additions, envstore.Addition{
			Key:      spec.Key,
			Comment:  spec.Comment,
			Generate: generate,
		})
	}

	added, err := store.Migrate(additions)
	if err != nil {
		return fmt.Errorf("environment migration failed: %w", err)
	}
	if len(added) > 0 {
		o.log.Infof("generated %d missing environment keys: %s", len(added), strings.Join(added, ", "))
	}

	for _, spec := range o.cfg.RequiredSecrets() {
		if !store.Has(spec.Key) {
			return fmt.Errorf("required environment key %s is absent", spec.Key)
		}
	}

	// Operator-supplied keys cannot be generated; their absence fails the
	// run before any external command has side effects.
	for _, key := range o.cfg.RequiredKeys {
		if !store.Has(key) {
			return fmt.Errorf("required environment key %s must be set by the operator", key)
		}
	}

	return store.Flush(o.cfg.EnvFilePath(), true)
}

// resourceSectionMarker delimits the estimator-owned block in the
// environment file.
const resourceSectionMarker = "TIERUP RESOURCES"

// allocateResources recomputes component budgets from current host
// capacity and rewrites the resource section wholesale, so repeated runs
// reflect the current host instead of accumulating stale limits.
func (o *Orchestrator) allocateResources() error {
	host := capacity.DetectHost()
	if o.host != nil {
		host = *o.host
	}

	profile := capacity.Profile(o.cfg.CapacityProfile())
	budgets := capacity.Estimate(host, profile)

	o.log.Infof("host capacity: %d cores, %.1f GiB; %s profile, %d components",
		host.CPUCount, host.MemoryGiB, profile, len(budgets))

	store, err := envstore.Load(o.cfg.EnvFilePath())
	if err != nil {
		return err
	}

	pairs := capacity.EnvPairs(budgets, profile)
	entries := make([]envstore.Entry, len(pairs))
	for i, p := range pairs {
		entries[i] = envstore.Entry{Key: p.Key, Value: p.Value}
	}
	store.ReplaceSection(resourceSectionMarker, entries)

	return store.Flush(o.cfg.EnvFilePath(), false)
}

func (o *Orchestrator) newRunner() (*runner.Runner, error) {
	engine := remediate.NewEngine(o.exec, o.tel.Logger)
	return runner.New(o.exec, engine, runner.Policy{MaxAttempts: o.cfg.Retry.MaxAttempts}, o.tel)
}

// dependencyOperations is the ordered operation list of the first tier:
// stop leftovers, refresh images, rebuild local services, then start the
// backing services.
func (o *Orchestrator) dependencyOperations() []runner.Operation {
	base := o.cfg.ComposeBase()
	ops := []runner.Operation{
		{Name: "compose_down", Argv: append(append([]string{}, base...), "down")},
		{Name: "compose_pull", Argv: append(append([]string{}, base...), "pull", "--ignore-buildable")},
	}
	if len(o.cfg.BuildServices) > 0 {
		argv := append(append([]string{}, base...), "build")
		argv = append(argv, o.cfg.BuildServices...)
		ops = append(ops, runner.Operation{Name: "compose_build", Argv: argv})
	}
	argv := append(append([]string{}, base...), "up", "-d")
	argv = append(argv, services(o.cfg.Tiers.Dependencies)...)
	ops = append(ops, runner.Operation{Name: "dependencies_up", Argv: argv})
	return ops
}

// workloadOperations starts the user-facing tier.
func (o *Orchestrator) workloadOperations() []runner.Operation {
	argv := append(append([]string{}, o.cfg.ComposeBase()...), "up", "-d")
	argv = append(argv, services(o.cfg.Tiers.Workloads)...)
	return []runner.Operation{{Name: "workloads_up", Argv: argv}}
}

func services(specs []config.ContainerSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Service
	}
	return names
}

// Plan returns the ordered operations of both tiers without executing
// anything, for dry runs and diagnostics.
func (o *Orchestrator) Plan() []runner.Operation {
	return append(o.dependencyOperations(), o.workloadOperations()...)
}

// runTier executes the tier's operations in order. An operation does not
// start until its predecessor succeeded.
func (o *Orchestrator) runTier(ctx context.Context, runID string, log *telemetry.Logger, run *runner.Runner, stage Stage, ops []runner.Operation) (RunResult, bool) {
	stageLog := log.WithStage(string(stage))

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return RunResult{Status: StatusCancelled, Stage: stage, FailedOperation: op.Name, Err: err}, true
		}

		res, err := run.Run(ctx, op)
		o.recordAttempts(ctx, runID, res)
		if err != nil {
			if ctx.Err() != nil {
				return RunResult{Status: StatusCancelled, Stage: stage, FailedOperation: op.Name, Err: err}, true
			}
			return RunResult{Status: StatusFailed, Stage: stage, FailedOperation: op.Name, Err: err}, true
		}
		if res.Status != runner.StatusSucceeded {
			err := fmt.Errorf("operation %s %s after %d attempts (%s)",
				op.Name, res.Status, len(res.Attempts), res.FailureKind)
			return RunResult{
				Status:          StatusFailed,
				Stage:           stage,
				FailedOperation: op.Name,
				FailureKind:     res.FailureKind,
				Err:             err,
			}, true
		}
		stageLog.WithOperation(op.Name).Info("operation complete")
	}

	return RunResult{}, false
}

// awaitGate blocks until every container of the tier is ready or the gate
// times out. A timed-out gate fails the run.
func (o *Orchestrator) awaitGate(ctx context.Context, runID string, log *telemetry.Logger, stage Stage, gateName string, specs []config.ContainerSpec) (RunResult, bool) {
	gate := health.Gate{
		Name:     gateName,
		Interval: o.cfg.Gate.Interval.Std(),
		Timeout:  o.cfg.Gate.Timeout.Std(),
	}

	probes := make([]health.Probe, 0, len(specs))
	for _, spec := range specs {
		if spec.HasHealthcheck {
			probes = append(probes, health.ContainerHealthProbe{Container: spec.Name, Exec: o.exec})
		} else {
			probes = append(probes, health.ContainerRunningProbe{Container: spec.Name, Exec: o.exec})
		}
	}

	log.WithStage(string(stage)).Infof("waiting for %s gate (%d probes)", gateName, len(probes))
	result := gate.Await(ctx, o.tel, probes)
	o.recordGate(ctx, runID, result)

	switch result.Outcome {
	case health.OutcomeReady:
		return RunResult{}, false
	case health.OutcomeCancelled:
		return RunResult{
			Status:          StatusCancelled,
			Stage:           stage,
			FailedOperation: gateName + "_gate",
			Err:             ctx.Err(),
		}, true
	default:
		return RunResult{
			Status:          StatusFailed,
			Stage:           stage,
			FailedOperation: gateName + "_gate",
			Err: fmt.Errorf("%s gate timed out after %s, pending: %s",
				gateName, result.Waited.Round(time.Second), strings.Join(result.Pending, ", ")),
		}, true
	}
}

// startProgress launches the elapsed-time reporter. The returned stop
// function cancels it deterministically; the ticker only logs and never
// affects control flow.
func (o *Orchestrator) startProgress(log *telemetry.Logger, started time.Time) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(o.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Infof("still working (%s elapsed)", time.Since(started).Round(time.Second))
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// History writes are best effort: failures are logged, never propagated.

func (o *Orchestrator) recordRunStarted(ctx context.Context, runID string, started time.Time) {
	if o.history == nil {
		return
	}
	run := &stores.Run{
		ID:          runID,
		Mode:        string(o.cfg.Mode),
		Profile:     string(o.cfg.Profile),
		Environment: string(o.cfg.Environment),
		Status:      stores.RunStatusRunning,
		StartedAt:   started,
		CreatedAt:   started,
		UpdatedAt:   started,
	}
	if err := o.history.CreateRun(ctx, run); err != nil {
		o.log.WithError(err).Warn("failed to record run start")
	}
}

func (o *Orchestrator) recordRunFinished(ctx context.Context, runID string, status stores.RunStatus, runErr error) {
	if o.history == nil {
		return
	}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := o.history.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		o.log.WithError(err).Warn("failed to record run completion")
	}
}

func (o *Orchestrator) recordAttempts(ctx context.Context, runID string, res runner.Result) {
	if o.history == nil {
		return
	}
	for _, a := range res.Attempts {
		rec := &stores.AttemptRecord{
			ID:          uuid.New().String(),
			RunID:       runID,
			Operation:   res.Operation,
			Attempt:     a.Number,
			ExitCode:    a.ExitCode,
			Output:      a.Output,
			FailureKind: string(a.Classification.Kind),
			Remediated:  a.Remediated,
			StartedAt:   a.StartedAt,
			Duration:    a.Duration.Milliseconds(),
			CreatedAt:   time.Now(),
		}
		if err := o.history.AppendAttempt(ctx, rec); err != nil {
			o.log.WithError(err).Warn("failed to record attempt")
		}
	}
}

func (o *Orchestrator) recordGate(ctx context.Context, runID string, result health.GateResult) {
	if o.history == nil {
		return
	}
	rec := &stores.GateRecord{
		ID:        uuid.New().String(),
		RunID:     runID,
		Gate:      result.Gate,
		Outcome:   string(result.Outcome),
		Waited:    result.Waited.Milliseconds(),
		Pending:   strings.Join(result.Pending, ","),
		CreatedAt: time.Now(),
	}
	if err := o.history.AppendGate(ctx, rec); err != nil {
		o.log.WithError(err).Warn("failed to record gate resolution")
	}
}
