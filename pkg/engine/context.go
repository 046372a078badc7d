package engine

import (
	"time"
)

// ExecutionContext is the mutable state of one run. It is owned by a single
// Orchestrator; monitoring code only ever sees copies produced by Clone.
type ExecutionContext struct {
	PlanID       string    `json:"plan_id"`
	RunID        string    `json:"run_id"`
	Environment  string    `json:"environment"`
	DryRun       bool      `json:"dry_run"`
	SkipApproval bool      `json:"skip_approval"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Phase is the orchestrator state.
	Phase Phase `json:"phase"`

	// StepStates maps forward step IDs to their state.
	StepStates map[string]StepState `json:"step_states"`

	// RollbackStates maps rollback step IDs to their state.
	RollbackStates map[string]StepState `json:"rollback_states,omitempty"`

	// Approval is the approval gate record.
	Approval ApprovalRecord `json:"approval"`

	Results             []StepResult         `json:"results,omitempty"`
	RollbackResults     []StepResult         `json:"rollback_results,omitempty"`
	PrerequisiteResults []PrerequisiteResult `json:"prerequisite_results,omitempty"`
	ValidationResults   []ValidationResult   `json:"validation_results,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`

	// AbortReason is set when the run stops before execution.
	AbortReason string `json:"abort_reason,omitempty"`

	// RollbackTrigger names the step or operator action that triggered rollback.
	RollbackTrigger string `json:"rollback_trigger,omitempty"`

	// RollbackOutcome is StatusRolledBack or StatusRollbackFailed once rollback ran.
	RollbackOutcome OverallStatus `json:"rollback_outcome,omitempty"`
}

// NewExecutionContext creates the context for a fresh run of plan.
func NewExecutionContext(plan *RecoveryPlan, runID, environment string, opts ExecuteOptions, now time.Time) *ExecutionContext {
	ec := &ExecutionContext{
		PlanID:         plan.ID,
		RunID:          runID,
		Environment:    environment,
		DryRun:         opts.DryRun,
		SkipApproval:   opts.SkipApproval,
		CreatedAt:      now,
		UpdatedAt:      now,
		Phase:          PhaseIdle,
		StepStates:     make(map[string]StepState, len(plan.Steps)),
		RollbackStates: make(map[string]StepState, len(plan.RollbackSteps)),
		Approval:       ApprovalRecord{State: ApprovalNotRequired},
	}
	for i := range plan.Steps {
		ec.StepStates[plan.Steps[i].ID] = StepPending
	}
	for i := range plan.RollbackSteps {
		ec.RollbackStates[plan.RollbackSteps[i].ID] = StepPending
	}
	return ec
}

// Clone returns a deep copy suitable for read-only snapshots.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	if ec == nil {
		return nil
	}
	c := *ec

	c.StepStates = make(map[string]StepState, len(ec.StepStates))
	for k, v := range ec.StepStates {
		c.StepStates[k] = v
	}
	c.RollbackStates = make(map[string]StepState, len(ec.RollbackStates))
	for k, v := range ec.RollbackStates {
		c.RollbackStates[k] = v
	}

	c.Approval.Trail = append([]ApprovalEvent(nil), ec.Approval.Trail...)
	c.Results = append([]StepResult(nil), ec.Results...)
	c.RollbackResults = append([]StepResult(nil), ec.RollbackResults...)
	c.PrerequisiteResults = append([]PrerequisiteResult(nil), ec.PrerequisiteResults...)
	c.ValidationResults = append([]ValidationResult(nil), ec.ValidationResults...)
	c.Warnings = append([]string(nil), ec.Warnings...)
	return &c
}

// CountStates returns how many forward steps are in each state.
func (ec *ExecutionContext) CountStates() map[StepState]int {
	counts := make(map[StepState]int)
	for _, s := range ec.StepStates {
		counts[s]++
	}
	return counts
}

// appendApproval records an approval trail entry and updates the current state.
func (ec *ExecutionContext) appendApproval(ev ApprovalEvent) {
	ec.Approval.State = ev.State
	if ev.Token != "" {
		ec.Approval.Token = ev.Token
	}
	ec.Approval.Trail = append(ec.Approval.Trail, ev)
}
