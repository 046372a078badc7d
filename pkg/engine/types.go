package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecoveryPlan is a named, validated graph of recovery steps plus rollback
// steps, prerequisites and post-execution validation checks.
type RecoveryPlan struct {
	// ID is the unique identifier for the plan.
	ID string `json:"id" yaml:"id" validate:"required,stepid"`

	// Name is the human-readable name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description explains the incident this plan recovers from.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Priority ranks the plan for operators.
	Priority Priority `json:"priority" yaml:"priority" validate:"required,oneof=critical high medium low"`

	// EstimatedDowntimeSeconds is the expected service outage while the plan runs.
	EstimatedDowntimeSeconds int `json:"estimated_downtime_seconds" yaml:"estimated_downtime_seconds" validate:"gte=0"`

	// Steps are the forward recovery steps.
	Steps []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`

	// RollbackSteps undo forward steps when a run fails with rollback enabled.
	RollbackSteps []Step `json:"rollback_steps,omitempty" yaml:"rollback_steps,omitempty" validate:"dive"`

	// Prerequisites must hold before approval is requested.
	Prerequisites []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty" validate:"dive"`

	// ValidationChecks run after execution or rollback.
	ValidationChecks []ValidationCheck `json:"validation_checks,omitempty" yaml:"validation_checks,omitempty" validate:"dive"`

	// UpdatedAt is set by the persistence layer on save.
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Step is a single unit of recovery work.
type Step struct {
	// ID is unique within the plan's step list.
	ID string `json:"id" yaml:"id" validate:"required,stepid"`

	// Name is the human-readable name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description explains what the step does.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Action is the opaque handle passed to the ActionRunner.
	Action ActionRef `json:"action" yaml:"action"`

	// TimeoutSeconds bounds each attempt. Zero uses the deployment default.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`

	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=20"`

	// RollbackOnFailure triggers the plan's rollback steps when this step fails terminally.
	RollbackOnFailure bool `json:"rollback_on_failure" yaml:"rollback_on_failure"`

	// Dependencies are IDs of steps that must succeed before this one starts.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Timeout returns the per-attempt timeout, falling back to def when unset.
func (s *Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ActionRef identifies the external action a step or check invokes.
type ActionRef struct {
	// Command is a shell command line.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Script is a path executed with the configured interpreter.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Args are passed to Script.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Host routes the action to a remote target. Empty means local.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Env holds extra environment variables for the action.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// IsZero reports whether the reference names no action.
func (a ActionRef) IsZero() bool {
	return a.Command == "" && a.Script == ""
}

// String renders the reference for logs and errors.
func (a ActionRef) String() string {
	target := a.Command
	if target == "" {
		target = strings.TrimSpace(a.Script + " " + strings.Join(a.Args, " "))
	}
	if a.Host != "" {
		return fmt.Sprintf("%s@%s", target, a.Host)
	}
	return target
}

// Prerequisite describes a condition that must hold before a run executes.
type Prerequisite struct {
	// Name identifies the prerequisite in reports.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is shown to operators.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Check is an action whose success means the prerequisite holds.
	Check *ActionRef `json:"check,omitempty" yaml:"check,omitempty"`

	// Policy names a loaded policy that must produce no deny messages.
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// ValidationCheck verifies system health after execution or rollback.
type ValidationCheck struct {
	Name           string    `json:"name" yaml:"name" validate:"required"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	Command        ActionRef `json:"command" yaml:"command"`
	ExpectedResult string    `json:"expected_result,omitempty" yaml:"expected_result,omitempty"`

	// Assert is an optional boolean expression over stdout, stderr and exit_code.
	Assert string `json:"assert,omitempty" yaml:"assert,omitempty"`

	Critical       bool `json:"critical" yaml:"critical"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`
}

// PlanSummary is the listing view of a plan.
type PlanSummary struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	Priority                 Priority  `json:"priority"`
	EstimatedDowntimeSeconds int       `json:"estimated_downtime_seconds"`
	StepCount                int       `json:"step_count"`
	RollbackStepCount        int       `json:"rollback_step_count"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Summarize builds the listing view of a plan.
func (p *RecoveryPlan) Summarize() PlanSummary {
	return PlanSummary{
		ID:                       p.ID,
		Name:                     p.Name,
		Priority:                 p.Priority,
		EstimatedDowntimeSeconds: p.EstimatedDowntimeSeconds,
		StepCount:                len(p.Steps),
		RollbackStepCount:        len(p.RollbackSteps),
		UpdatedAt:                p.UpdatedAt,
	}
}

// SortSummaries orders summaries by priority, then ID.
func SortSummaries(summaries []PlanSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		ri, rj := summaries[i].Priority.Rank(), summaries[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return summaries[i].ID < summaries[j].ID
	})
}

// StepResult records the outcome of one step.
type StepResult struct {
	// StepID is the ID of the step.
	StepID string `json:"step_id"`

	// Name is copied from the step for readable reports.
	Name string `json:"name"`

	// Rollback marks results of rollback steps.
	Rollback bool `json:"rollback,omitempty"`

	// Attempts is the number of times the action was invoked.
	Attempts int `json:"attempts"`

	// FinalStatus is the terminal step state.
	FinalStatus StepState `json:"final_status"`

	// StartedAt is when the first attempt started. Zero for skipped steps.
	StartedAt time.Time `json:"started_at,omitempty"`

	// EndedAt is when the last attempt ended. Zero for skipped steps.
	EndedAt time.Time `json:"ended_at,omitempty"`

	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`

	// SucceededOnAttempt is the 1-based attempt that succeeded, or 0.
	SucceededOnAttempt int `json:"succeeded_on_attempt,omitempty"`

	// CancelUnconfirmed is set when a timed-out action did not confirm cancellation
	// within the grace window.
	CancelUnconfirmed bool `json:"cancel_unconfirmed,omitempty"`
}

// Ran reports whether at least one attempt was made.
func (r *StepResult) Ran() bool {
	return r.Attempts > 0 && !r.StartedAt.IsZero()
}

// PrerequisiteResult records the evaluation of one prerequisite.
type PrerequisiteResult struct {
	Name      string    `json:"name"`
	Satisfied bool      `json:"satisfied"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ValidationResult records the outcome of one validation check.
type ValidationResult struct {
	Name      string        `json:"name"`
	Critical  bool          `json:"critical"`
	Passed    bool          `json:"passed"`
	Skipped   bool          `json:"skipped,omitempty"`
	Expected  string        `json:"expected,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ApprovalEvent is one entry of a run's approval trail.
type ApprovalEvent struct {
	State     ApprovalState `json:"state"`
	Token     string        `json:"token,omitempty"`
	Approver  string        `json:"approver,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ApprovalRecord is the current approval gate state of a run.
type ApprovalRecord struct {
	State       ApprovalState   `json:"state"`
	Token       string          `json:"token,omitempty"`
	RequestedAt time.Time       `json:"requested_at,omitempty"`
	Deadline    time.Time       `json:"deadline,omitempty"`
	Trail       []ApprovalEvent `json:"trail,omitempty"`
}

// ApprovalDecision is the answer delivered by an ApprovalPort.
type ApprovalDecision struct {
	State    ApprovalState `json:"state"`
	Approver string        `json:"approver,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// RecoveryReport is the durable record of one run.
type RecoveryReport struct {
	PlanID                   string               `json:"plan_id"`
	PlanName                 string               `json:"plan_name"`
	RunID                    string               `json:"run_id"`
	Environment              string               `json:"environment,omitempty"`
	OverallStatus            OverallStatus        `json:"overall_status"`
	DryRun                   bool                 `json:"dry_run"`
	EstimatedDowntimeSeconds int                  `json:"estimated_downtime_seconds"`
	ActualDowntimeSeconds    float64              `json:"actual_downtime_seconds"`
	StepResults              []StepResult         `json:"step_results"`
	RollbackResults          []StepResult         `json:"rollback_results,omitempty"`
	PrerequisiteResults      []PrerequisiteResult `json:"prerequisite_results,omitempty"`
	ValidationResults        []ValidationResult   `json:"validation_results,omitempty"`
	ApprovalTrail            []ApprovalEvent      `json:"approval_trail,omitempty"`
	Warnings                 []string             `json:"warnings,omitempty"`
	AbortReason              string               `json:"abort_reason,omitempty"`
	StartedAt                time.Time            `json:"started_at"`
	CompletedAt              time.Time            `json:"completed_at"`
	CreatedAt                time.Time            `json:"created_at"`
}

// Event is an entry in a run's timeline.
type Event struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	PlanID    string                 `json:"plan_id"`
	StepID    string                 `json:"step_id,omitempty"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
