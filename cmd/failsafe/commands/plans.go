package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/config"
	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/policy"
)

// loadCatalog reads the catalog at path, falling back to the configured
// catalog and then to the built-in plans.
func loadCatalog(ctx context.Context, cfg *config.AppConfig, path string) ([]engine.RecoveryPlan, string, error) {
	if path == "" {
		path = cfg.Catalog
	}
	if path == "" {
		return config.BuiltinCatalog(), "built-in", nil
	}

	plans, err := config.NewCatalogParser().ParseFile(ctx, path)
	if err != nil {
		return nil, path, &ExitError{Code: engine.ExitPlanInvalid, Err: err}
	}
	return plans, path, nil
}

func newSetupCommand() *cobra.Command {
	var (
		writePath  string
		runbookDir string
	)

	cmd := &cobra.Command{
		Use:   "setup [catalog]",
		Short: "Load recovery plans into the store",
		Long: `Validate a plan catalog and store its plans, replacing plans with the same ID.

Nothing is stored unless every plan in the catalog is valid. Without a
catalog argument the configured catalog is used, or the built-in plans when
none is configured. With --runbooks a Markdown runbook is rendered for every
stored plan, listing its stages, rollback and validation checks. In test mode
outside production every stored plan is rehearsed as a dry run.`,
		Example: `  # Seed the built-in plans
  failsafe setup

  # Load a CUE catalog
  failsafe setup ./recovery/plans.cue

  # Export the built-in plans as a starting point
  failsafe setup --write ./recovery/plans.yaml

  # Store the catalog and render a Markdown runbook per plan
  failsafe setup ./recovery/plans.cue --runbooks ./docs/runbooks`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if writePath != "" {
				if err := config.NewCatalogParser().WriteCatalog(writePath, config.BuiltinCatalog()); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Wrote built-in catalog to %s\n", writePath)
				return nil
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var path string
			if len(args) > 0 {
				path = args[0]
			}
			plans, source, err := loadCatalog(ctx, a.cfg, path)
			if err != nil {
				return err
			}

			log.Info().
				Str("source", source).
				Str("environment", a.cfg.Environment).
				Int("plans", len(plans)).
				Msg("Setting up recovery catalog")

			summaries, err := a.orch.Setup(ctx, a.cfg.Environment, plans)
			if err != nil {
				return &ExitError{Code: engine.ExitCodeFor(nil, err), Err: err}
			}
			a.audit(ctx, "catalog.setup", source, map[string]interface{}{
				"plans":       config.PlanIDs(plans),
				"environment": a.cfg.Environment,
			})

			if runbookDir != "" {
				paths, err := config.WriteRunbooks(runbookDir, a.cfg.Environment, plans)
				if err != nil {
					return err
				}
				log.Info().Str("dir", runbookDir).Int("files", len(paths)).Msg("Runbooks written")
				fmt.Fprintf(stdout, "Wrote %d runbooks to %s\n", len(paths)-1, runbookDir)
			}

			if a.cfg.Recovery.TestMode && !a.cfg.IsProduction() {
				return rehearse(ctx, a, summaries)
			}
			return printSummaries(summaries)
		},
	}

	cmd.Flags().StringVar(&writePath, "write", "", "write the built-in catalog to a file (.cue, .yaml or .json) and exit")
	cmd.Flags().StringVar(&runbookDir, "runbooks", "", "render a Markdown runbook per plan into this directory")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored recovery plans",
		Long:    `List stored recovery plans ordered by priority, then by ID.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.orch.List(cmd.Context())
			if err != nil {
				return err
			}
			return printSummaries(summaries)
		},
	}
}

func newValidateCommand() *cobra.Command {
	var skipPolicies bool

	cmd := &cobra.Command{
		Use:   "validate [catalog]",
		Short: "Validate a plan catalog without storing it",
		Long: `Validate a plan catalog against the plan schema and the dependency rules,
then evaluate the global policies against every plan.

This command checks:
  - Catalog syntax and schema conformance
  - Unique plan and step IDs
  - Dependency references and cycles
  - Global policies (blocking violations fail validation)`,
		Example: `  # Validate the configured catalog
  failsafe validate

  # Validate a specific file or directory
  failsafe validate ./recovery/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var path string
			if len(args) > 0 {
				path = args[0]
			}
			plans, source, err := loadCatalog(ctx, cfg, path)
			if err != nil {
				return err
			}

			log.Info().Str("source", source).Int("plans", len(plans)).Msg("Validating catalog")

			store := engine.NewPlanStore(nil, zerolog.Nop())
			var failures int
			for i := range plans {
				if err := store.Validate(&plans[i]); err != nil {
					failures++
					fmt.Fprintf(stdout, "%s %s: %v\n", red("✗"), plans[i].ID, err)
				}
			}
			if failures > 0 {
				return &ExitError{Code: engine.ExitPlanInvalid, Err: fmt.Errorf("%d of %d plans invalid", failures, len(plans))}
			}

			if !skipPolicies {
				blocking, err := evaluatePolicies(ctx, cfg, plans)
				if err != nil {
					return err
				}
				if blocking > 0 {
					return &ExitError{Code: engine.ExitPlanInvalid, Err: fmt.Errorf("%d blocking policy violations", blocking)}
				}
			}

			for i := range plans {
				fmt.Fprintf(stdout, "%s %s (%d steps, %d rollback steps)\n",
					green("✓"), plans[i].ID, len(plans[i].Steps), len(plans[i].RollbackSteps))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicies, "skip-policies", false, "skip global policy evaluation")

	return cmd
}

// evaluatePolicies reports global policy violations per plan and returns the
// number of blocking ones.
func evaluatePolicies(ctx context.Context, cfg *config.AppConfig, plans []engine.RecoveryPlan) (int, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return 0, err
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return 0, err
		}
	}

	blocking := 0
	for i := range plans {
		violations, err := pe.EvaluateGlobal(ctx, &engine.PolicyInput{
			Plan:        &plans[i],
			Environment: cfg.Environment,
			Settings:    cfg.Settings(),
		})
		if err != nil {
			return 0, err
		}
		for _, v := range violations {
			mark := yellow("⚠")
			if p, err := pe.GetPolicy(v.Policy); err != nil || p.Severity.Blocking() {
				blocking++
				mark = red("✗")
			}
			fmt.Fprintf(stdout, "%s %s: [%s] %s\n", mark, plans[i].ID, v.Policy, v.Message)
		}
	}
	return blocking, nil
}

func newGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <plan>",
		Short: "Print a plan's dependency graph in DOT format",
		Long: `Print the forward and rollback step graphs of a stored plan in Graphviz DOT
format. Steps in the same batch share a rank.`,
		Example: `  failsafe graph database-corruption | dot -Tsvg > plan.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.orch.Plans().Load(cmd.Context(), args[0])
			if err != nil {
				return &ExitError{Code: engine.ExitCodeFor(nil, err), Err: err}
			}
			dot, err := a.orch.Resolver().ToDOT(plan)
			if err != nil {
				return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
			}
			fmt.Fprint(stdout, dot)
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [plan]",
		Short: "Show recovery reports, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var planID string
			if len(args) > 0 {
				planID = args[0]
			}
			reports, err := a.orch.History(cmd.Context(), planID, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(reports)
			}
			if len(reports) == 0 {
				fmt.Fprintln(stdout, "No reports recorded.")
				return nil
			}

			w := newTable()
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tDRY RUN\tSTARTED\tDOWNTIME")
			for i := range reports {
				r := &reports[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%.0fs\n",
					r.RunID, r.PlanID, colorStatus(r.OverallStatus), r.DryRun,
					r.StartedAt.Format("2006-01-02 15:04:05"), r.ActualDowntimeSeconds)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of reports")

	return cmd
}
