package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tierup/tierup/pkg/classify"
	"github.com/tierup/tierup/pkg/command"
	"github.com/tierup/tierup/pkg/config"
	"github.com/tierup/tierup/pkg/orchestrator"
	"github.com/tierup/tierup/pkg/stores"
	"github.com/tierup/tierup/pkg/telemetry"
)

func newUpCommand() *cobra.Command {
	var (
		mode        string
		profile     string
		environment string
		projectDir  string
		envFile       string
		maxAttempts   int
		dryRun        bool
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring up the full stack",
		Long: `Bring up the stack tier by tier: validate the environment file,
size resource limits to this host, start the dependency tier, wait for it
to become healthy, then start the workload tier and wait again.

Known transient runtime failures are remediated automatically and the
failing operation retried, up to the configured attempt budget.

Exactly one bring-up may run at a time against a given environment file;
tierup does not lock the file itself.`,
		Example: `  # Bring up the default stack
  tierup up

  # Full stack on NVIDIA GPUs, publicly exposed
  tierup up --mode max --profile gpu-nvidia --environment public

  # Use a stack file
  tierup up --stack stack.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			if mode != "" {
				cfg.Mode = config.Mode(mode)
			}
			if profile != "" {
				cfg.Profile = config.Profile(profile)
			}
			if environment != "" {
				cfg.Environment = config.Environment(environment)
			}
			if projectDir != "" {
				cfg.ProjectDir = projectDir
			}
			if envFile != "" {
				cfg.EnvFile = envFile
			}
			if maxAttempts > 0 {
				cfg.Retry.MaxAttempts = maxAttempts
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			tel, err := newTelemetry(cfg, metricsListen)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			if err := tel.Metrics.StartMetricsServer(); err != nil {
				return err
			}

			opts := []orchestrator.Option{}
			if path := cfg.HistoryPath(); path != "" {
				store, err := openHistory(cmd.Context(), path)
				if err != nil {
					// History is diagnostics, not control flow.
					tel.Logger.WithError(err).Warn("run history unavailable")
				} else {
					defer store.Close()
					opts = append(opts, orchestrator.WithHistory(store))
				}
			}

			exec := &command.LocalExecutor{Dir: cfg.ProjectDir}
			o := orchestrator.New(cfg, exec, tel, opts...)

			if dryRun {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "planned operations:")
				for _, op := range o.Plan() {
					fmt.Fprintf(out, "  %-16s %s\n", op.Name, command.Describe(op.Argv))
				}
				return nil
			}

			result := o.Up(cmd.Context())
			if result.Status == orchestrator.StatusComplete {
				return nil
			}

			err = fmt.Errorf("bring-up %s at %s: %w", result.Status, result.Stage, result.Err)
			if result.FailureKind == classify.KindDiskExhausted {
				printDiskUsage(cmd, exec)
				return &ExitCodeError{Code: ExitDiskExhausted, Err: err}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "stack mode: mini or max")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "hardware profile: cpu, gpu-nvidia, gpu-amd, none")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "network exposure: private or public")
	cmd.Flags().StringVarP(&projectDir, "project-dir", "d", "", "compose project directory")
	cmd.Flags().StringVar(&envFile, "env-file", "", "environment file path (default: stack's env_file)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget per operation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the planned operations without executing")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")

	return cmd
}

// printDiskUsage reports filesystem usage so the operator can see what to
// free. Best effort; a failing df is silently skipped.
func printDiskUsage(cmd *cobra.Command, exec command.Executor) {
	res, err := exec.Run(cmd.Context(), []string{"df", "-h"})
	if err != nil || !res.Succeeded() {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "disk usage:")
	fmt.Fprint(cmd.ErrOrStderr(), res.Stdout)
}

func newTelemetry(cfg *config.Config, metricsListen string) (*telemetry.Telemetry, error) {
	telCfg := telemetry.DefaultConfig()
	if cfg.Logging.Level != "" {
		telCfg.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		telCfg.Logging.Format = cfg.Logging.Format
	}
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	telCfg.Metrics.ListenAddress = metricsListen
	return telemetry.New(telCfg)
}

func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
