// Package health gates tier progression on container readiness. A gate
// polls a set of probes until every one reports ready or the deadline
// passes; the orchestrator never starts a dependent tier before its gate
// resolves ready.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/telemetry"
)

// Outcome is the resolution of one gate wait.
type Outcome string

const (
	// OutcomeReady means every probe reported ready before the deadline.
	OutcomeReady Outcome = "ready"

	// OutcomeTimedOut means the deadline passed with at least one probe
	// still not ready.
	OutcomeTimedOut Outcome = "timed_out"

	// OutcomeCancelled means the surrounding context ended the wait.
	OutcomeCancelled Outcome = "cancelled"
)

// Probe checks one readiness condition. Implementations must be safe to
// call repeatedly; the gate polls until ready or deadline.
type Probe interface {
	// Name identifies the probe in logs and reports.
	Name() string

	// Check returns true when the condition currently holds. An error
	// counts as not ready, not as a gate failure: probes routinely fail
	// while a container is still starting.
	Check(ctx context.Context) (bool, error)
}

// GateResult reports how a gate resolved.
type GateResult struct {
	// Gate is the gate's name.
	Gate string

	// Outcome is the resolution.
	Outcome Outcome

	// Waited is the total time spent polling.
	Waited time.Duration

	// Pending lists the probes that were still not ready at resolution.
	// Empty for OutcomeReady.
	Pending []string
}

// Gate polls probes at a fixed interval until ready or deadline.
type Gate struct {
	// Name identifies the gate in logs and metrics.
	Name string

	// Interval is the poll period.
	Interval time.Duration

	// Timeout is the overall deadline for the gate.
	Timeout time.Duration
}

// Await polls all probes until every one is ready. The first check runs
// immediately so an already-healthy stack resolves without waiting a full
// interval. Probes that have reported ready once are not re-checked;
// readiness regressions surface at the next gate or in the workloads
// themselves.
func (g Gate) Await(ctx context.Context, tel *telemetry.Telemetry, probes []Probe) GateResult {
	log := tel.Logger.NewComponentLogger("health").WithField("gate", g.Name)
	started := time.Now()

	spanCtx, span := tel.Tracer.StartGateSpan(ctx, g.Name)
	defer span.End()

	pending := make(map[string]Probe, len(probes))
	for _, p := range probes {
		pending[p.Name()] = p
	}

	finish := func(outcome Outcome) GateResult {
		result := GateResult{
			Gate:    g.Name,
			Outcome: outcome,
			Waited:  time.Since(started),
			Pending: pendingNames(pending),
		}
		tel.Metrics.RecordGateResolved(g.Name, string(outcome), result.Waited)
		if outcome == OutcomeReady {
			telemetry.RecordSuccess(span)
			log.Infof("gate ready after %s", result.Waited.Round(time.Millisecond))
		} else {
			telemetry.RecordError(span, fmt.Errorf("gate %s: %s, pending %s",
				g.Name, outcome, strings.Join(result.Pending, ", ")))
			log.Warnf("gate %s after %s, pending: %s",
				outcome, result.Waited.Round(time.Millisecond), strings.Join(result.Pending, ", "))
		}
		return result
	}

	check := func() bool {
		for name, p := range pending {
			ready, err := p.Check(spanCtx)
			if err != nil {
				log.WithField("probe", name).WithError(err).Debug("probe check failed")
				continue
			}
			if ready {
				log.WithField("probe", name).Debug("probe ready")
				delete(pending, name)
			}
		}
		return len(pending) == 0
	}

	if check() {
		return finish(OutcomeReady)
	}

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return finish(OutcomeCancelled)
		case <-deadline.C:
			return finish(OutcomeTimedOut)
		case <-ticker.C:
			if check() {
				return finish(OutcomeReady)
			}
		}
	}
}

func pendingNames(pending map[string]Probe) []string {
	if len(pending) == 0 {
		return nil
	}
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	// Deterministic order for logs and tests.
	sort.Strings(names)
	return names
}

// ContainerHealthProbe reports ready when the container's runtime
// healthcheck is "healthy".
type ContainerHealthProbe struct {
	// Container is the exact container name.
	Container string

	// Exec runs the inspection command.
	Exec command.Executor
}

// Name implements Probe.
func (p ContainerHealthProbe) Name() string {
	return p.Container
}

// Check implements Probe by inspecting the container's health status.
// A missing container or a container without a healthcheck is not ready.
func (p ContainerHealthProbe) Check(ctx context.Context) (bool, error) {
	argv := []string{
		"docker", "inspect",
		"--format", "{{.State.Health.Status}}",
		p.Container,
	}
	res, err := p.Exec.Run(ctx, argv)
	if err != nil {
		return false, err
	}
	if !res.Succeeded() {
		return false, fmt.Errorf("inspect of %s exited %d", p.Container, res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout) == "healthy", nil
}

// ContainerRunningProbe reports ready when the container's state is
// "running". Used for containers that define no healthcheck.
type ContainerRunningProbe struct {
	// Container is the exact container name.
	Container string

	// Exec runs the inspection command.
	Exec command.Executor
}

// Name implements Probe.
func (p ContainerRunningProbe) Name() string {
	return p.Container
}

// Check implements Probe by inspecting the container's running state.
func (p ContainerRunningProbe) Check(ctx context.Context) (bool, error) {
	argv := []string{
		"docker", "inspect",
		"--format", "{{.State.Status}}",
		p.Container,
	}
	res, err := p.Exec.Run(ctx, argv)
	if err != nil {
		return false, err
	}
	if !res.Succeeded() {
		return false, fmt.Errorf("inspect of %s exited %d", p.Container, res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout) == "running", nil
}
