package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRollbackController() *RollbackController {
	resolver := NewDependencyResolver()
	return NewRollbackController(resolver, NewStepExecutor(fastExecutorConfig()), NewBatchScheduler(2), zerolog.Nop())
}

func TestRollbackController_Execute_AllSucceed(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.RollbackSteps = []Step{step("restore-snapshot"), step("revert-dns")}
	runner := newScriptedRunner()

	var mu sync.Mutex
	states := make(map[string]StepState)
	results, outcome := newTestRollbackController().Execute(context.Background(), &plan, RollbackRun{
		PlanID: "p",
		RunID:  "r",
		Runner: runner,
		OnState: func(id string, s StepState) {
			mu.Lock()
			states[id] = s
			mu.Unlock()
		},
	})

	if outcome != StatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", outcome)
	}
	if len(results) != 2 || results[0].StepID != "restore-snapshot" || results[1].StepID != "revert-dns" {
		t.Errorf("Expected results in declaration order, got %+v", results)
	}
	for id, s := range states {
		if s != StepSucceeded {
			t.Errorf("Expected %s succeeded, got %s", id, s)
		}
	}
}

func TestRollbackController_Execute_BestEffort(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.RollbackSteps = []Step{step("first"), step("second", "first"), step("third")}
	plan.RollbackSteps[0].MaxRetries = 3
	runner := newScriptedRunner()
	runner.failures["first"] = -1

	results, outcome := newTestRollbackController().Execute(context.Background(), &plan, RollbackRun{Runner: runner})

	if outcome != StatusRollbackFailed {
		t.Errorf("Expected rollback_failed, got %s", outcome)
	}
	for _, id := range []string{"first", "second", "third"} {
		if runner.callCount(id) != 1 {
			t.Errorf("Expected %s to run exactly once, got %d", id, runner.callCount(id))
		}
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[2].StepID != "second" {
		t.Errorf("Expected dependent rollback step in the last batch, got %s", results[2].StepID)
	}
}

func TestRollbackController_Execute_NoRollbackSteps(t *testing.T) {
	plan := testPlan("p", step("a"))

	results, outcome := newTestRollbackController().Execute(context.Background(), &plan, RollbackRun{Runner: newScriptedRunner()})

	if outcome != StatusRolledBack {
		t.Errorf("Expected rolled_back, got %s", outcome)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}
