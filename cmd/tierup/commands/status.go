package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tierup/tierup/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		limit   int
		showRun string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent bring-up runs",
		Long: `List recent bring-up runs from the run history, newest first.
With --run, show the attempt and health gate history of one run.`,
		Example: `  # Last ten runs
  tierup status

  # Full history of one run
  tierup status --run 2f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			path := cfg.HistoryPath()
			if path == "" {
				return fmt.Errorf("run history is disabled in the stack configuration")
			}

			store, err := openHistory(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer store.Close()

			if showRun != "" {
				return printRunDetail(cmd, store, showRun)
			}
			return printRunList(cmd, store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	cmd.Flags().StringVar(&showRun, "run", "", "show attempts and gates of one run")

	return cmd
}

func printRunList(cmd *cobra.Command, store stores.Store, limit int) error {
	runs, err := store.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tMODE\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, run := range runs {
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if run.Error != nil {
			errMsg = *run.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(run.ID), run.Mode, run.Status,
			run.StartedAt.Format(time.RFC3339), duration, errMsg)
	}
	return w.Flush()
}

func printRunDetail(cmd *cobra.Command, store stores.Store, runID string) error {
	run, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s (mode %s, profile %s, environment %s)\n",
		run.ID, run.Status, run.Mode, run.Profile, run.Environment)
	if run.Error != nil {
		fmt.Fprintf(out, "error: %s\n", *run.Error)
	}

	attempts, err := store.ListAttemptsByRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		fmt.Fprintln(out, "\nattempts:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "OPERATION\t#\tEXIT\tKIND\tREMEDIATED\tDURATION")
		for _, a := range attempts {
			kind := a.FailureKind
			if kind == "" {
				kind = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%v\t%dms\n",
				a.Operation, a.Attempt, a.ExitCode, kind, a.Remediated, a.Duration)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	gates, err := store.ListGatesByRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if len(gates) > 0 {
		fmt.Fprintln(out, "\ngates:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GATE\tOUTCOME\tWAITED\tPENDING")
		for _, g := range gates {
			pending := g.Pending
			if pending == "" {
				pending = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", g.Gate, g.Outcome, g.Waited, pending)
		}
		return w.Flush()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
