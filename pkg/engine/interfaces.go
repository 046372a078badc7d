package engine

import (
	"context"
	"time"
)

// ActionOutput is the result of one completed action invocation.
type ActionOutput struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// ActionRunner executes the external action behind a step or check.
// Implementations must treat context cancellation as a cooperative request to
// stop and must never forcibly kill the underlying action. Run returns a
// *TimeoutError when the bound is exceeded and an *ActionError on non-zero or
// abnormal completion.
type ActionRunner interface {
	Run(ctx context.Context, ref ActionRef, timeout time.Duration) (*ActionOutput, error)
}

// PersistencePort stores plan definitions and recovery reports.
type PersistencePort interface {
	// LoadPlan returns the plan, or an error wrapping ErrPlanNotFound.
	LoadPlan(ctx context.Context, id string) (*RecoveryPlan, error)

	// SavePlan creates or replaces a plan definition.
	SavePlan(ctx context.Context, plan *RecoveryPlan) error

	// ListPlans returns all stored plans.
	ListPlans(ctx context.Context) ([]RecoveryPlan, error)

	// SaveReport persists a run's report. Reports are immutable: a second
	// report for the same run fails with an error wrapping ErrReportExists.
	SaveReport(ctx context.Context, report *RecoveryReport) error

	// LoadReport returns the report for a run, or an error wrapping ErrReportNotFound.
	LoadReport(ctx context.Context, runID string) (*RecoveryReport, error)

	// ListReports returns reports, newest first, optionally filtered by plan.
	ListReports(ctx context.Context, planID string, limit int) ([]RecoveryReport, error)
}

// RunStateStore checkpoints execution contexts so suspended runs survive restarts.
type RunStateStore interface {
	SaveExecutionContext(ctx context.Context, ec *ExecutionContext) error

	// LoadExecutionContext returns the context, or an error wrapping ErrRunNotFound.
	LoadExecutionContext(ctx context.Context, runID string) (*ExecutionContext, error)

	// ActiveRunID returns the ID of the plan's unfinished run, or "" if there is none.
	ActiveRunID(ctx context.Context, planID string) (string, error)
}

// ApprovalPort delivers human approval decisions.
type ApprovalPort interface {
	// RequestApproval registers a pending approval for a run and returns its token.
	// Requesting again for the same run returns the existing token.
	RequestApproval(ctx context.Context, runID string) (string, error)

	// AwaitDecision blocks until a decision arrives or timeout elapses, in which
	// case it returns a decision with state ApprovalTimedOut.
	AwaitDecision(ctx context.Context, token string, timeout time.Duration) (*ApprovalDecision, error)

	// Settle records decision unless the approval was already decided and
	// returns the decision that stands. A caller blocked in AwaitDecision for
	// the same token receives the standing decision.
	Settle(ctx context.Context, token string, decision *ApprovalDecision) (*ApprovalDecision, error)
}

// PolicyInput is the document policies are evaluated against.
type PolicyInput struct {
	Plan        *RecoveryPlan          `json:"plan"`
	Environment string                 `json:"environment"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
}

// PolicyViolation represents a single deny message produced by a policy.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`
}

// PolicyEvaluator evaluates prerequisite policies.
type PolicyEvaluator interface {
	// EvaluateGlobal evaluates every enabled global policy.
	EvaluateGlobal(ctx context.Context, input *PolicyInput) ([]PolicyViolation, error)

	// EvaluatePolicy evaluates one named policy.
	EvaluatePolicy(ctx context.Context, name string, input *PolicyInput) ([]PolicyViolation, error)
}

// RunLock guarantees at most one active run per plan across processes.
type RunLock interface {
	// Acquire returns a release function, or an error detected with IsConflict
	// when another run holds the plan.
	Acquire(ctx context.Context, planID, runID string) (func(context.Context) error, error)
}

// EventPublisher publishes run timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives run, step, and gate measurements.
type MetricsRecorder interface {
	RecordRunStarted(planID string)
	RecordRunCompleted(planID, status string, duration time.Duration)
	RecordStepAttempt(planID, outcome string, duration time.Duration)
	RecordStepFinished(planID, state string, rollback bool)
	RecordValidationCheck(planID string, critical, passed bool)
	RecordApproval(state string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRunStarted(string)                          {}
func (noopMetrics) RecordRunCompleted(string, string, time.Duration) {}
func (noopMetrics) RecordStepAttempt(string, string, time.Duration)  {}
func (noopMetrics) RecordStepFinished(string, string, bool)          {}
func (noopMetrics) RecordValidationCheck(string, bool, bool)         {}
func (noopMetrics) RecordApproval(string)                            {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *Event) error { return nil }

// noopRunner completes every action immediately without side effects.
type noopRunner struct{}

func (noopRunner) Run(_ context.Context, ref ActionRef, _ time.Duration) (*ActionOutput, error) {
	return &ActionOutput{Stdout: "dry run: " + ref.String()}, nil
}
