// Package command is the boundary between the orchestration core and the
// container runtime. The core issues opaque argument vectors and receives
// exit code plus captured output; it never interprets what the runtime
// actually is beyond the error signatures in the output text.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one external command.
type Result struct {
	// ExitCode is the process exit status. Zero means success.
	ExitCode int

	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Succeeded returns true if the command exited with status zero.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Combined returns stdout and stderr concatenated, which is what the
// error classifier consumes. Runtime daemons split their failure text
// across both streams inconsistently.
func (r Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Executor runs one external command to completion. A nonzero exit status
// is reported through Result, not through the error return; the error is
// reserved for failures to start or observe the process at all.
type Executor interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// LocalExecutor executes commands on the local host via os/exec.
type LocalExecutor struct {
	// Dir is the working directory for commands. Empty means inherit.
	Dir string

	// Env is the environment for commands. Nil means inherit.
	Env []string
}

// Run executes argv[0] with the remaining elements as arguments, capturing
// both output streams. The process is deliberately detached from ctx
// cancellation: an in-flight command always runs to its own completion or
// failure so its result can be observed and classified. Callers abort
// between commands by checking ctx before issuing the next one.
func (e *LocalExecutor) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if e.Dir != "" {
		cmd.Dir = e.Dir
	}
	if e.Env != nil {
		cmd.Env = e.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("failed to execute %q: %w", argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Describe renders an argument vector for logs.
func Describe(argv []string) string {
	return strings.Join(argv, " ")
}
