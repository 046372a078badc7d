package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// runOutcome prints a run's report and converts its outcome into the
// command's exit error.
func runOutcome(report *engine.RecoveryReport, err error) error {
	var persistErr *engine.ReportPersistError
	if report != nil {
		if perr := printReport(report); perr != nil {
			return perr
		}
		if errors.As(err, &persistErr) {
			log.Error().Err(err).Str("run_id", report.RunID).Msg("Run finished but its report was not persisted")
		}
	}

	code := engine.ExitCodeFor(report, err)
	if code == engine.ExitSuccess {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("run %s finished %s", report.RunID, report.OverallStatus)
	}
	return &ExitError{Code: code, Err: err}
}

func newExecuteCommand() *cobra.Command {
	var (
		dryRun       bool
		skipApproval bool
		noWait       bool
	)

	cmd := &cobra.Command{
		Use:     "execute <plan>",
		Aliases: []string{"run"},
		Short:   "Execute a recovery plan",
		Long: `Execute a stored recovery plan.

The run passes through these phases:
  - Prerequisite checks and global policies
  - Approval gate (when approval is required)
  - Steps in dependency batches, independent steps in parallel
  - Rollback when a step marked rollback_on_failure fails
  - Validation checks
  - Report emission

A dry run substitutes a no-op runner for every action and skips approval
and validation checks. With --no-wait the command returns as soon as the run
reaches the approval gate; continue it with 'failsafe resume <run>' once a
decision is recorded.`,
		Example: `  # Rehearse a plan
  failsafe execute database-corruption --dry-run

  # Execute, waiting for approval from another terminal
  failsafe execute database-corruption

  # Request approval and return immediately
  failsafe execute database-corruption --no-wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if skipApproval && a.cfg.IsProduction() {
				return &ExitError{
					Code: engine.ExitApprovalRejectedOrTimedOut,
					Err:  fmt.Errorf("approval cannot be skipped in %s", a.cfg.Environment),
				}
			}

			a.tel.Metrics.StartServer(ctx, a.logger)

			runID := uuid.NewString()
			log.Info().
				Str("plan", args[0]).
				Str("run_id", runID).
				Bool("dry_run", dryRun).
				Msg("Executing recovery plan")

			a.audit(ctx, "run.started", runID, map[string]interface{}{
				"plan_id":       args[0],
				"dry_run":       dryRun,
				"skip_approval": skipApproval,
			})

			report, err := a.orch.Execute(ctx, args[0], engine.ExecuteOptions{
				DryRun:       dryRun,
				SkipApproval: skipApproval,
				NoWait:       noWait,
				RunID:        runID,
			})
			if errors.Is(err, engine.ErrAwaitingApproval) {
				fmt.Fprintf(stdout, "Run %s is awaiting approval.\n", cyan(runID))
				fmt.Fprintf(stdout, "  failsafe approve %s\n  failsafe reject %s --reason ...\n  failsafe resume %s\n", runID, runID, runID)
			}
			return runOutcome(report, err)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate every action without side effects")
	cmd.Flags().BoolVar(&skipApproval, "skip-approval", false, "bypass the approval gate (not allowed in production)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return when the run reaches the approval gate")

	return cmd
}

func newTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test [plan...]",
		Short: "Rehearse recovery plans as dry runs",
		Long: `Dry-run the named plans, or every stored plan, and report which ones would
complete. No action is executed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.orch.List(ctx)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				wanted := make(map[string]bool, len(args))
				for _, id := range args {
					wanted[id] = true
				}
				selected := summaries[:0]
				for _, s := range summaries {
					if wanted[s.ID] {
						selected = append(selected, s)
						delete(wanted, s.ID)
					}
				}
				if len(wanted) > 0 {
					missing := make([]string, 0, len(wanted))
					for id := range wanted {
						missing = append(missing, id)
					}
					sort.Strings(missing)
					return &ExitError{Code: engine.ExitPlanInvalid, Err: fmt.Errorf("%w: %s", engine.ErrPlanNotFound, strings.Join(missing, ", "))}
				}
				summaries = selected
			}
			return rehearse(ctx, a, summaries)
		},
	}
}

// rehearse dry-runs each plan and prints one line per plan.
func rehearse(ctx context.Context, a *app, summaries []engine.PlanSummary) error {
	type result struct {
		PlanID string               `json:"plan_id"`
		RunID  string               `json:"run_id,omitempty"`
		Status engine.OverallStatus `json:"status,omitempty"`
		Error  string               `json:"error,omitempty"`
	}

	var (
		results []result
		worst   engine.ExitCode
	)
	for _, s := range summaries {
		report, err := a.orch.Execute(ctx, s.ID, engine.ExecuteOptions{DryRun: true})
		r := result{PlanID: s.ID}
		if report != nil {
			r.RunID = report.RunID
			r.Status = report.OverallStatus
		}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
		if code := engine.ExitCodeFor(report, err); code > worst {
			worst = code
		}
	}

	if jsonOutput {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		w := newTable()
		fmt.Fprintln(w, "PLAN\tSTATUS\tRUN\tERROR")
		for _, r := range results {
			status := red("error")
			if r.Status != "" {
				status = colorStatus(r.Status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PlanID, status, r.RunID, r.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if worst != engine.ExitSuccess {
		return &ExitError{Code: worst, Err: fmt.Errorf("one or more rehearsals failed")}
	}
	return nil
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run>",
		Short: "Resume a run suspended at the approval gate",
		Long: `Resume a run that is waiting for approval, possibly started by another
process with --no-wait. The command blocks until a decision arrives or the
approval deadline passes, then executes the rest of the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.tel.Metrics.StartServer(ctx, a.logger)

			log.Info().Str("run_id", args[0]).Msg("Resuming run")
			return runOutcome(a.orch.Resume(ctx, args[0]))
		},
	}
}

func newAbortCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abort <run>",
		Short: "Abort a suspended or interrupted run",
		Long: `Abort a run that is waiting for approval or was interrupted mid-execution,
and emit its report. A run still executing in another process stops when
that process is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.Abort(ctx, args[0])
			if err != nil && report == nil {
				return err
			}
			a.audit(ctx, "run.aborted", args[0], map[string]interface{}{"reason": reason})

			if report == nil {
				fmt.Fprintf(stdout, "Abort requested for run %s\n", args[0])
				return nil
			}
			if perr := printReport(report); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")

	return cmd
}
