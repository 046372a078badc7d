package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// RollbackController executes a plan's rollback steps after a terminal failure
// or an operator abort. Every rollback step is attempted exactly once, in batch
// order, whatever the outcome of the others. Rollback is never itself rolled back.
type RollbackController struct {
	resolver  *DependencyResolver
	executor  *StepExecutor
	scheduler *BatchScheduler
	logger    zerolog.Logger
}

// NewRollbackController creates a rollback controller.
func NewRollbackController(resolver *DependencyResolver, executor *StepExecutor, scheduler *BatchScheduler, logger zerolog.Logger) *RollbackController {
	return &RollbackController{
		resolver:  resolver,
		executor:  executor,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "rollback-controller").Logger(),
	}
}

// RollbackRun carries the per-run inputs of a rollback.
type RollbackRun struct {
	PlanID  string
	RunID   string
	Trigger string
	Runner  ActionRunner

	// OnState is called for every rollback step state change. Optional.
	OnState func(stepID string, state StepState)
}

// Execute runs every rollback step of plan and returns their results in batch
// order together with StatusRolledBack or StatusRollbackFailed. ctx should not
// carry the cancellation that triggered the rollback.
func (c *RollbackController) Execute(ctx context.Context, plan *RecoveryPlan, run RollbackRun) ([]StepResult, OverallStatus) {
	logger := c.logger.With().
		Str("run_id", run.RunID).
		Str("plan_id", run.PlanID).
		Str("trigger", run.Trigger).
		Logger()

	if len(plan.RollbackSteps) == 0 {
		logger.Warn().Msg("Rollback triggered but plan defines no rollback steps")
		return nil, StatusRolledBack
	}

	batches, err := c.resolver.ReverseForRollback(plan.RollbackSteps)
	if err != nil {
		// Validated plans cannot get here; run everything in declaration order.
		logger.Error().Err(err).Msg("Rollback ordering failed, falling back to declaration order")
		batches = [][]string{make([]string, 0, len(plan.RollbackSteps))}
		for i := range plan.RollbackSteps {
			batches[0] = append(batches[0], plan.RollbackSteps[i].ID)
		}
	}

	steps := make(map[string]*Step, len(plan.RollbackSteps))
	for i := range plan.RollbackSteps {
		steps[plan.RollbackSteps[i].ID] = &plan.RollbackSteps[i]
	}

	onState := run.OnState
	if onState == nil {
		onState = func(string, StepState) {}
	}

	logger.Warn().Int("rollback_steps", len(plan.RollbackSteps)).Msg("Starting rollback")

	results := make([]StepResult, 0, len(plan.RollbackSteps))
	outcome := StatusRolledBack
	for level, ids := range batches {
		batch := make([]*Step, 0, len(ids))
		for _, id := range ids {
			batch = append(batch, steps[id])
			onState(id, StepReady)
		}

		var mu sync.Mutex
		byID := make(map[string]StepResult, len(ids))
		undispatched := c.scheduler.RunBatch(ctx, batch, func(ctx context.Context, step *Step) {
			onState(step.ID, StepRunning)
			res := c.executor.Execute(ctx, step, run.Runner, StepRun{
				PlanID:   run.PlanID,
				RunID:    run.RunID,
				Rollback: true,
			})
			onState(step.ID, res.FinalStatus)
			mu.Lock()
			byID[step.ID] = res
			mu.Unlock()
		})

		for _, id := range undispatched {
			res := StepResult{
				StepID:      id,
				Name:        steps[id].Name,
				Rollback:    true,
				FinalStatus: StepFailed,
				Error:       "rollback interrupted before the step could start",
			}
			onState(id, StepFailed)
			byID[id] = res
		}

		for _, id := range ids {
			res := byID[id]
			if res.FinalStatus != StepSucceeded {
				outcome = StatusRollbackFailed
			}
			results = append(results, res)
		}

		logger.Debug().Int("batch", level).Int("steps", len(ids)).Msg("Rollback batch completed")
	}

	if outcome == StatusRollbackFailed {
		logger.Error().Msg("Rollback failed, manual intervention required")
	} else {
		logger.Info().Msg("Rollback completed")
	}
	return results, outcome
}

// describeTrigger renders the rollback cause recorded on the execution context.
func describeTrigger(stepID string, cancelUnconfirmed bool) string {
	if cancelUnconfirmed {
		return fmt.Sprintf("step %s did not confirm cancellation", stepID)
	}
	return fmt.Sprintf("step %s failed", stepID)
}
