package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tierup/tierup/pkg/config"
)

var (
	// Global flags
	stackPath string
	verbose   bool
)

// ExitCodeError carries a specific process exit code for the shell.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// ExitDiskExhausted is the dedicated exit code for disk exhaustion, so
// wrapping scripts can show targeted cleanup guidance.
const ExitDiskExhausted = 14

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tierup",
		Short: "tierup - resilient multi-tier stack bring-up",
		Long: `tierup brings up a multi-tier containerized stack in dependency order,
sizing resource limits to the host, gating each tier on container health,
and automatically remediating known transient container runtime failures
(name conflicts, broken IPv6 routing) with bounded retries.

Disk exhaustion and unrecognized failures stop the run immediately and
are reported with full diagnostic output.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&stackPath, "stack", "s", "", "stack file path (default: built-in stack)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadStack resolves the stack definition from the --stack flag or the
// built-in default, then applies command-line overrides.
func loadStack() (*config.Config, error) {
	if stackPath == "" {
		return config.Default(), nil
	}
	return config.Load(stackPath)
}
