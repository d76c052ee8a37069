package orchestrator

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tierup/tierup/pkg/capacity"
	"github.com/tierup/tierup/pkg/classify"
	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/config"
	"github.com/tierup/tierup/pkg/stores"
	"github.com/tierup/tierup/pkg/telemetry"
)

// fakeExec scripts results per exact command line. Scripted results are
// consumed in order; the last one repeats. Unscripted commands succeed.
type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	scripts map[string][]command.Result
}

func newFakeExec() *fakeExec {
	return &fakeExec{scripts: make(map[string][]command.Result)}
}

func (f *fakeExec) script(cmdline string, results ...command.Result) {
	f.scripts[cmdline] = results
}

func (f *fakeExec) Run(_ context.Context, argv []string) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmdline := strings.Join(argv, " ")
	f.calls = append(f.calls, cmdline)

	results, ok := f.scripts[cmdline]
	if !ok || len(results) == 0 {
		return command.Result{ExitCode: 0}, nil
	}
	res := results[0]
	if len(results) > 1 {
		f.scripts[cmdline] = results[1:]
	}
	return res, nil
}

func (f *fakeExec) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeExec) callIndex(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// testConfig builds a two-container stack rooted in a temp dir with fast
// gate timing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	cfg.Tiers = config.TiersConfig{
		Dependencies: []config.ContainerSpec{
			{Name: "stack-postgres-1", Service: "postgres", HasHealthcheck: true},
		},
		Workloads: []config.ContainerSpec{
			{Name: "stack-n8n-1", Service: "n8n", HasHealthcheck: false},
		},
	}
	cfg.BuildServices = []string{"n8n"}
	cfg.Gate.Interval = config.Duration(5 * time.Millisecond)
	cfg.Gate.Timeout = config.Duration(100 * time.Millisecond)
	cfg.History.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

const (
	inspectPostgres = "docker inspect --format {{.State.Health.Status}} stack-postgres-1"
	inspectN8N      = "docker inspect --format {{.State.Status}} stack-n8n-1"
)

func healthyExec() *fakeExec {
	exec := newFakeExec()
	exec.script(inspectPostgres, command.Result{Stdout: "healthy\n"})
	exec.script(inspectN8N, command.Result{Stdout: "running\n"})
	return exec
}

func newTestOrchestrator(cfg *config.Config, exec command.Executor, opts ...Option) *Orchestrator {
	opts = append(opts,
		WithHostCapacity(capacity.HostCapacity{CPUCount: 8, MemoryGiB: 16}),
		WithProgressInterval(time.Hour),
	)
	return New(cfg, exec, telemetry.Nop(), opts...)
}

func TestUpHappyPath(t *testing.T) {
	cfg := testConfig(t)
	exec := healthyExec()
	o := newTestOrchestrator(cfg, exec)

	result := o.Up(context.Background())

	if result.Status != StatusComplete {
		t.Fatalf("Status = %s (err %v)", result.Status, result.Err)
	}
	if result.Stage != StageComplete {
		t.Errorf("Stage = %s", result.Stage)
	}
	if result.RunID == "" {
		t.Error("missing run ID")
	}

	// Operations run in fixed order.
	order := []string{
		"docker compose -f docker-compose.yml --profile cpu down",
		"docker compose -f docker-compose.yml --profile cpu pull --ignore-buildable",
		"docker compose -f docker-compose.yml --profile cpu build n8n",
		"docker compose -f docker-compose.yml --profile cpu up -d postgres",
		"docker compose -f docker-compose.yml --profile cpu up -d n8n",
	}
	last := -1
	for _, prefix := range order {
		idx := exec.callIndex(prefix)
		if idx == -1 {
			t.Fatalf("command %q never ran", prefix)
		}
		if idx <= last {
			t.Errorf("command %q ran out of order", prefix)
		}
		last = idx
	}
}

func TestUpWritesEnvironment(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(cfg, healthyExec())

	if result := o.Up(context.Background()); result.Status != StatusComplete {
		t.Fatalf("Status = %s (err %v)", result.Status, result.Err)
	}

	data, err := os.ReadFile(cfg.EnvFilePath())
	if err != nil {
		t.Fatalf("env file not written: %v", err)
	}
	content := string(data)

	for _, key := range []string{"POSTGRES_PASSWORD=", "N8N_ENCRYPTION_KEY=", "JWT_SECRET="} {
		if !strings.Contains(content, key) {
			t.Errorf("env file missing %s", key)
		}
	}
	if !strings.Contains(content, "# BEGIN TIERUP RESOURCES") {
		t.Error("env file missing resource section")
	}
	if !strings.Contains(content, "POSTGRES_CPU_LIMIT=") {
		t.Error("env file missing computed resource limits")
	}

	info, err := os.Stat(cfg.EnvFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("env file mode = %o, want 600", perm)
	}
}

func TestUpSecondRunKeepsSecretsAndRecomputesResources(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(cfg, healthyExec())

	if result := o.Up(context.Background()); result.Status != StatusComplete {
		t.Fatalf("first run: %s (%v)", result.Status, result.Err)
	}
	first, _ := os.ReadFile(cfg.EnvFilePath())

	o2 := New(cfg, healthyExec(), telemetry.Nop(),
		WithHostCapacity(capacity.HostCapacity{CPUCount: 4, MemoryGiB: 8}),
		WithProgressInterval(time.Hour),
	)
	if result := o2.Up(context.Background()); result.Status != StatusComplete {
		t.Fatalf("second run: %s (%v)", result.Status, result.Err)
	}
	second, _ := os.ReadFile(cfg.EnvFilePath())

	firstSecret := extractValue(t, string(first), "POSTGRES_PASSWORD")
	secondSecret := extractValue(t, string(second), "POSTGRES_PASSWORD")
	if firstSecret != secondSecret {
		t.Error("second run regenerated an existing secret")
	}

	// Resource limits follow the new host capacity.
	if extractValue(t, string(first), "POSTGRES_CPU_LIMIT") == extractValue(t, string(second), "POSTGRES_CPU_LIMIT") {
		t.Error("resource section not recomputed for the smaller host")
	}
	if strings.Count(string(second), "# BEGIN TIERUP RESOURCES") != 1 {
		t.Error("resource section duplicated across runs")
	}
}

func extractValue(t *testing.T, content, key string) string {
	t.Helper()
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	t.Fatalf("key %s not found", key)
	return ""
}

func TestUpRemediatesNameConflictThenSucceeds(t *testing.T) {
	cfg := testConfig(t)
	exec := healthyExec()

	depsUp := "docker compose -f docker-compose.yml --profile cpu up -d postgres"
	exec.script(depsUp,
		command.Result{ExitCode: 1, Stderr: `Error response from daemon: Conflict. The container name "/x" is already in use by container "abc".`},
		command.Result{ExitCode: 0},
	)

	o := newTestOrchestrator(cfg, exec)
	result := o.Up(context.Background())

	if result.Status != StatusComplete {
		t.Fatalf("Status = %s (err %v)", result.Status, result.Err)
	}
	if exec.called(depsUp) != 2 {
		t.Errorf("dependency bring-up ran %d times, want 2", exec.called(depsUp))
	}
	if exec.called("docker rm -f x") != 1 {
		t.Error("conflicting container was not removed")
	}
	if exec.called("docker compose -f docker-compose.yml --profile cpu up -d n8n") != 1 {
		t.Error("workload tier did not run after remediation")
	}
}

func TestUpDiskExhaustedFailsRun(t *testing.T) {
	cfg := testConfig(t)
	exec := healthyExec()
	exec.script("docker compose -f docker-compose.yml --profile cpu pull --ignore-buildable",
		command.Result{ExitCode: 1, Stderr: "write /var/lib/docker: no space left on device"},
	)

	o := newTestOrchestrator(cfg, exec)
	result := o.Up(context.Background())

	if result.Status != StatusFailed {
		t.Fatalf("Status = %s", result.Status)
	}
	if result.Stage != StageDependencyTier {
		t.Errorf("Stage = %s", result.Stage)
	}
	if result.FailedOperation != "compose_pull" {
		t.Errorf("FailedOperation = %s", result.FailedOperation)
	}
	if result.FailureKind != classify.KindDiskExhausted {
		t.Errorf("FailureKind = %s", result.FailureKind)
	}
	// The run short-circuits: nothing after the failed operation runs.
	if exec.called("docker compose -f docker-compose.yml --profile cpu up -d") != 0 {
		t.Error("tiers ran after a terminal failure")
	}
}

func TestUpDependencyGateTimeoutFailsRun(t *testing.T) {
	cfg := testConfig(t)
	exec := healthyExec()
	exec.script(inspectPostgres, command.Result{Stdout: "starting\n"})

	o := newTestOrchestrator(cfg, exec)
	result := o.Up(context.Background())

	if result.Status != StatusFailed {
		t.Fatalf("Status = %s", result.Status)
	}
	if result.Stage != StageDependencyGate {
		t.Errorf("Stage = %s", result.Stage)
	}
	if !strings.Contains(result.Err.Error(), "stack-postgres-1") {
		t.Errorf("error does not name the pending container: %v", result.Err)
	}
	if exec.called("docker compose -f docker-compose.yml --profile cpu up -d n8n") != 0 {
		t.Error("workload tier ran despite dependency gate timeout")
	}
}

func TestUpMissingRequiredKeyFailsValidation(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(cfg, healthyExec())

	// Force migration to a state where a required key cannot exist by
	// making the env file unreadable as a directory.
	if err := os.Mkdir(cfg.EnvFilePath(), 0o755); err != nil {
		t.Fatal(err)
	}

	result := o.Up(context.Background())
	if result.Status != StatusFailed {
		t.Fatalf("Status = %s", result.Status)
	}
	if result.Stage != StageValidating {
		t.Errorf("Stage = %s, want %s", result.Stage, StageValidating)
	}
}

func TestUpCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(cfg, healthyExec())
	result := o.Up(ctx)

	if result.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", result.Status, StatusCancelled)
	}
}

// cancellingExec cancels the run's context while the first compose command
// is still executing, modeling a user interrupt arriving mid-command.
type cancellingExec struct {
	*fakeExec
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingExec) Run(ctx context.Context, argv []string) (command.Result, error) {
	if strings.HasSuffix(strings.Join(argv, " "), " down") {
		c.once.Do(c.cancel)
	}
	return c.fakeExec.Run(ctx, argv)
}

func TestUpInterruptMidOperationFinishesCommandThenCancels(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &cancellingExec{fakeExec: healthyExec(), cancel: cancel}
	o := newTestOrchestrator(cfg, exec)

	result := o.Up(ctx)

	if result.Status != StatusCancelled {
		t.Fatalf("Status = %s (err %v), want %s", result.Status, result.Err, StatusCancelled)
	}
	// The interrupted command itself ran to completion; no later operation
	// started after the abort.
	if n := exec.called("docker compose"); n != 1 {
		t.Errorf("compose calls = %d, want 1 (only the in-flight down)", n)
	}
}

// recordingHistory captures history writes in memory.
type recordingHistory struct {
	mu       sync.Mutex
	runs     []*stores.Run
	updates  []stores.RunStatus
	attempts []*stores.AttemptRecord
	gates    []*stores.GateRecord
}

func (h *recordingHistory) CreateRun(_ context.Context, run *stores.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *recordingHistory) UpdateRunStatus(_ context.Context, _ string, status stores.RunStatus, _ *string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, status)
	return nil
}

func (h *recordingHistory) AppendAttempt(_ context.Context, a *stores.AttemptRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, a)
	return nil
}

func (h *recordingHistory) AppendGate(_ context.Context, g *stores.GateRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gates = append(h.gates, g)
	return nil
}

func TestUpRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	history := &recordingHistory{}
	o := newTestOrchestrator(cfg, healthyExec(), WithHistory(history))

	result := o.Up(context.Background())
	if result.Status != StatusComplete {
		t.Fatalf("Status = %s (err %v)", result.Status, result.Err)
	}

	if len(history.runs) != 1 || history.runs[0].ID != result.RunID {
		t.Errorf("runs = %+v", history.runs)
	}
	if len(history.updates) != 1 || history.updates[0] != stores.RunStatusComplete {
		t.Errorf("updates = %v", history.updates)
	}
	// down, pull, build, deps up, workloads up: one attempt each.
	if len(history.attempts) != 5 {
		t.Errorf("attempts recorded = %d, want 5", len(history.attempts))
	}
	if len(history.gates) != 2 {
		t.Errorf("gates recorded = %d, want 2", len(history.gates))
	}
}

func TestPlanListsOperationsInOrder(t *testing.T) {
	cfg := testConfig(t)
	o := newTestOrchestrator(cfg, newFakeExec())

	plan := o.Plan()

	want := []string{"compose_down", "compose_pull", "compose_build", "dependencies_up", "workloads_up"}
	if len(plan) != len(want) {
		t.Fatalf("plan length = %d, want %d", len(plan), len(want))
	}
	for i, name := range want {
		if plan[i].Name != name {
			t.Errorf("plan[%d] = %s, want %s", i, plan[i].Name, name)
		}
	}
	last := plan[len(plan)-1].Argv
	if !strings.Contains(strings.Join(last, " "), "up -d n8n") {
		t.Errorf("workload argv = %v", last)
	}
}

func TestUpMissingOperatorKeyFailsBeforeAnyCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequiredKeys = []string{"OPENAI_API_KEY"}
	exec := healthyExec()
	o := newTestOrchestrator(cfg, exec)

	result := o.Up(context.Background())

	if result.Status != StatusFailed || result.Stage != StageValidating {
		t.Fatalf("Status = %s at %s, want %s at %s",
			result.Status, result.Stage, StatusFailed, StageValidating)
	}
	if !strings.Contains(result.Err.Error(), "OPENAI_API_KEY") {
		t.Errorf("Err = %v, want it to name the missing key", result.Err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("external commands ran on a doomed run: %v", exec.calls)
	}
}

func TestUpOperatorKeyPresentPasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequiredKeys = []string{"OPENAI_API_KEY"}
	if err := os.WriteFile(cfg.EnvFilePath(), []byte("OPENAI_API_KEY=sk-test\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	o := newTestOrchestrator(cfg, healthyExec())
	result := o.Up(context.Background())

	if result.Status != StatusComplete {
		t.Fatalf("Status = %s (err %v)", result.Status, result.Err)
	}
}
