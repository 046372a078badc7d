package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/engine"
)

func newRunsCommand() *cobra.Command {
	var (
		planID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List and inspect recovery runs",
		Long: `List recorded runs, newest first. Use the subcommands to inspect one run's
state or its event timeline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(cmd.Context(), planID, limit)
			if err != nil {
				return err
			}
			return printRuns(runs)
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "only runs of this plan")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsEventsCommand())

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run>",
		Short: "Show the current state of a run",
		Long: `Show a run's phase, approval state and per-step states. When the run has
finished, its report is shown instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ec, err := a.orch.Snapshot(ctx, args[0])
			if err != nil {
				return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
			}
			if ec.Phase == engine.PhaseReportEmitted {
				if report, err := a.store.LoadReport(ctx, args[0]); err == nil {
					return printReport(report)
				}
			}
			return printRunStatus(ec)
		},
	}
}

func newRunsEventsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <run>",
		Short: "Show the event timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.store.ListEvents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events (0 for all)")

	return cmd
}
