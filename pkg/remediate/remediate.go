// Package remediate executes corrective actions for classified failures.
// Every action is idempotent: remediating a condition that no longer holds
// is a no-op success, so repeated attempts never make things worse.
package remediate

import (
	"context"
	"fmt"
	"strings"

	"github.com/tierup/tierup/pkg/classify"
	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/telemetry"
)

// Engine maps failure kinds to corrective actions on the host.
type Engine struct {
	exec command.Executor
	log  *telemetry.Logger

	// runtimeService is the systemd unit restarted after network
	// reconfiguration.
	runtimeService string
}

// NewEngine creates a remediation engine executing through exec.
func NewEngine(exec command.Executor, log *telemetry.Logger) *Engine {
	return &Engine{
		exec:           exec,
		log:            log.NewComponentLogger("remediate"),
		runtimeService: "docker",
	}
}

// Remediate attempts to correct the classified failure. It returns true
// only when a corrective action ran and verified successfully, meaning a
// retry of the failed operation is worthwhile. Terminal kinds return
// false with no error and no side effects.
func (e *Engine) Remediate(ctx context.Context, cls classify.Classification) (bool, error) {
	switch cls.Kind {
	case classify.KindNameConflict:
		return e.removeConflictingContainers(ctx, cls.Names)
	case classify.KindNetworkUnreachableV6:
		return e.disableIPv6(ctx)
	default:
		// Disk exhaustion and unknown failures have no safe automated
		// correction.
		return false, nil
	}
}

// removeConflictingContainers force-removes each named container and
// verifies it is gone. A name that no longer exists counts as removed.
func (e *Engine) removeConflictingContainers(ctx context.Context, names []string) (bool, error) {
	if len(names) == 0 {
		return false, fmt.Errorf("name conflict classified but no names extracted")
	}

	for _, name := range names {
		log := e.log.WithContainer(name)
		log.Info("removing conflicting container")

		res, err := e.exec.Run(ctx, []string{"docker", "rm", "-f", name})
		if err != nil {
			return false, fmt.Errorf("failed to run container removal for %s: %w", name, err)
		}
		// A nonzero exit for an already-absent container is fine; the
		// verification below is authoritative.
		if !res.Succeeded() {
			log.WithField("exit_code", res.ExitCode).Debug("removal command returned nonzero, verifying")
		}

		gone, err := e.verifyAbsent(ctx, name)
		if err != nil {
			return false, err
		}
		if !gone {
			return false, fmt.Errorf("container %s still present after forced removal", name)
		}
		log.Info("conflicting container removed")
	}

	return true, nil
}

// verifyAbsent checks that no container with exactly the given name exists.
func (e *Engine) verifyAbsent(ctx context.Context, name string) (bool, error) {
	argv := []string{
		"docker", "ps", "-a",
		"--filter", "name=^" + name + "$",
		"--format", "{{.Names}}",
	}
	res, err := e.exec.Run(ctx, argv)
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	if !res.Succeeded() {
		return false, fmt.Errorf("container listing exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == name {
			return false, nil
		}
	}
	return true, nil
}

// sysctlKeys are the IPv6 switches flipped when the runtime cannot route
// IPv6 traffic. Both current and default interfaces are covered so
// containers created later inherit the setting.
var sysctlKeys = []string{
	"net.ipv6.conf.all.disable_ipv6",
	"net.ipv6.conf.default.disable_ipv6",
}

// disableIPv6 turns off IPv6 on the host and restarts the container
// runtime so its embedded resolver and registry dialer pick up the
// change. Re-running on a host with IPv6 already disabled succeeds.
func (e *Engine) disableIPv6(ctx context.Context) (bool, error) {
	e.log.Info("disabling IPv6 and restarting container runtime")

	for _, key := range sysctlKeys {
		res, err := e.exec.Run(ctx, []string{"sysctl", "-w", key + "=1"})
		if err != nil {
			return false, fmt.Errorf("failed to run sysctl: %w", err)
		}
		if !res.Succeeded() {
			return false, fmt.Errorf("sysctl %s exited %d: %s", key, res.ExitCode, strings.TrimSpace(res.Combined()))
		}
	}

	res, err := e.exec.Run(ctx, []string{"systemctl", "restart", e.runtimeService})
	if err != nil {
		return false, fmt.Errorf("failed to restart %s: %w", e.runtimeService, err)
	}
	if !res.Succeeded() {
		return false, fmt.Errorf("restart of %s exited %d: %s", e.runtimeService, res.ExitCode, strings.TrimSpace(res.Combined()))
	}

	e.log.Info("IPv6 disabled, container runtime restarted")
	return true, nil
}
