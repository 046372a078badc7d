package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/engine"
)

func newApproveCommand() *cobra.Command {
	return newDecisionCommand(engine.ApprovalApproved, "approve", "Approve a run waiting at the approval gate")
}

func newRejectCommand() *cobra.Command {
	return newDecisionCommand(engine.ApprovalRejected, "reject", "Reject a run waiting at the approval gate")
}

// newDecisionCommand builds approve and reject. Only the first decision
// recorded for a run counts.
func newDecisionCommand(state engine.ApprovalState, use, short string) *cobra.Command {
	var (
		approver string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   use + " <run>",
		Short: short,
		Long: short + `.

The decision is delivered to the process waiting on the run. If no process
is waiting, the run picks it up on 'failsafe resume'.`,
		Example: fmt.Sprintf(`  failsafe %s 3f2c9a1e-... --approver alice --reason "incident INC-42"`, use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if approver == "" {
				approver = actor()
			}
			runID := args[0]

			ec, err := a.orch.Snapshot(ctx, runID)
			if err != nil {
				return &ExitError{Code: engine.ExitPlanInvalid, Err: err}
			}
			if ec.Phase != engine.PhaseAwaitingApproval {
				return fmt.Errorf("run %s is in phase %s, not awaiting approval", runID, ec.Phase)
			}

			if err := a.decider.Decide(ctx, runID, state, approver, reason); err != nil {
				return err
			}
			a.audit(ctx, "run."+string(state), runID, map[string]interface{}{
				"plan_id":  ec.PlanID,
				"approver": approver,
				"reason":   reason,
			})

			log.Info().
				Str("run_id", runID).
				Str("state", string(state)).
				Str("approver", approver).
				Msg("Approval decision recorded")
			fmt.Fprintf(stdout, "Run %s %s by %s\n", runID, state, approver)
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "approver identity (default: $FAILSAFE_ACTOR or $USER)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")

	return cmd
}
