package engine

import (
	"encoding/json"
	"fmt"
)

// Priority ranks recovery plans for operators.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sort key where lower means more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Validate checks if the priority is valid.
func (p Priority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// StepState is the lifecycle state of a single step within a run.
type StepState string

const (
	// StepPending indicates the step has not been considered yet.
	StepPending StepState = "pending"

	// StepReady indicates every dependency succeeded and the step is queued.
	StepReady StepState = "ready"

	// StepRunning indicates an attempt is in flight.
	StepRunning StepState = "running"

	// StepSucceeded indicates an attempt completed successfully.
	StepSucceeded StepState = "succeeded"

	// StepFailed indicates every attempt failed or cancellation was unconfirmed.
	StepFailed StepState = "failed"

	// StepRolledBack indicates the step succeeded but its effects were undone by rollback.
	StepRolledBack StepState = "rolled_back"

	// StepSkipped indicates the step never ran because a dependency did not succeed
	// or the run stopped scheduling new batches.
	StepSkipped StepState = "skipped"
)

// IsTerminal returns true if the step state represents a final state.
func (s StepState) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepRolledBack || s == StepSkipped
}

// Validate checks if the step state is valid.
func (s StepState) Validate() error {
	switch s {
	case StepPending, StepReady, StepRunning, StepSucceeded,
		StepFailed, StepRolledBack, StepSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepState(str)
	return s.Validate()
}

// OverallStatus is the terminal outcome of a run as recorded in its report.
type OverallStatus string

const (
	// StatusSucceeded indicates every step and every validation check passed.
	StatusSucceeded OverallStatus = "succeeded"

	// StatusSucceededWithWarnings indicates only non-critical checks failed.
	StatusSucceededWithWarnings OverallStatus = "succeeded_with_warnings"

	// StatusFailed indicates an unrecovered step failure or a failed critical check.
	StatusFailed OverallStatus = "failed"

	// StatusRolledBack indicates rollback ran and every rollback step succeeded.
	StatusRolledBack OverallStatus = "rolled_back"

	// StatusRollbackFailed indicates at least one rollback step failed.
	// Manual operator intervention is required.
	StatusRollbackFailed OverallStatus = "rollback_failed"

	// StatusAborted indicates the run stopped before execution (prerequisites or approval).
	StatusAborted OverallStatus = "aborted"
)

// severity orders statuses by precedence; higher wins.
func (s OverallStatus) severity() int {
	switch s {
	case StatusAborted:
		return 5
	case StatusRollbackFailed:
		return 4
	case StatusRolledBack:
		return 3
	case StatusFailed:
		return 2
	case StatusSucceededWithWarnings:
		return 1
	default:
		return 0
	}
}

// Worse returns the status with higher precedence.
func (s OverallStatus) Worse(other OverallStatus) OverallStatus {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// IsSuccess returns true for Succeeded and SucceededWithWarnings.
func (s OverallStatus) IsSuccess() bool {
	return s == StatusSucceeded || s == StatusSucceededWithWarnings
}

// Validate checks if the overall status is valid.
func (s OverallStatus) Validate() error {
	switch s {
	case StatusSucceeded, StatusSucceededWithWarnings, StatusFailed,
		StatusRolledBack, StatusRollbackFailed, StatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid overall status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OverallStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OverallStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OverallStatus(str)
	return s.Validate()
}

// ApprovalState tracks the approval gate of a run.
type ApprovalState string

const (
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalPending     ApprovalState = "pending_approval"
	ApprovalApproved    ApprovalState = "approved"
	ApprovalRejected    ApprovalState = "rejected"
	ApprovalTimedOut    ApprovalState = "timed_out"
)

// IsDecided returns true once the gate has a final answer.
func (s ApprovalState) IsDecided() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalTimedOut
}

// Validate checks if the approval state is valid.
func (s ApprovalState) Validate() error {
	switch s {
	case ApprovalNotRequired, ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid approval state: %s", s)
	}
}

// Phase is the orchestrator state of a run.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseLoading          Phase = "loading"
	PhasePreValidating    Phase = "pre_validating"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
	PhaseRollingBack      Phase = "rolling_back"
	PhasePostValidating   Phase = "post_validating"
	PhaseAborted          Phase = "aborted"
	PhaseCompleted        Phase = "completed"
	PhaseReportEmitted    Phase = "report_emitted"
)

// IsTerminal returns true once the run no longer changes.
func (p Phase) IsTerminal() bool {
	return p == PhaseReportEmitted
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventPhaseChanged      EventType = "phase_changed"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecided   EventType = "approval_decided"
	EventStepStarted       EventType = "step_started"
	EventStepRetrying      EventType = "step_retrying"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepSkipped       EventType = "step_skipped"
	EventRollbackStarted   EventType = "rollback_started"
	EventValidationFailed  EventType = "validation_failed"
	EventRunCompleted      EventType = "run_completed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventStepFailed, EventValidationFailed:
		return "error"
	case EventStepRetrying, EventStepSkipped, EventRollbackStarted:
		return "warning"
	default:
		return "info"
	}
}

// ExitCode is the process exit taxonomy for operator tooling.
type ExitCode int

const (
	ExitSuccess                    ExitCode = 0
	ExitPlanInvalid                ExitCode = 1
	ExitApprovalRejectedOrTimedOut ExitCode = 2
	ExitExecutionFailure           ExitCode = 3
	ExitRollbackFailure            ExitCode = 4
)
