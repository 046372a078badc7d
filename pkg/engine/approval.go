package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ApprovalGate is the human-in-the-loop suspension point between
// pre-validation and step execution.
type ApprovalGate struct {
	port    ApprovalPort
	timeout time.Duration
	logger  zerolog.Logger
	metrics MetricsRecorder
}

// NewApprovalGate creates an approval gate. A zero timeout defaults to one hour.
func NewApprovalGate(port ApprovalPort, timeout time.Duration, logger zerolog.Logger, metrics MetricsRecorder) *ApprovalGate {
	if timeout <= 0 {
		timeout = time.Hour
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ApprovalGate{
		port:    port,
		timeout: timeout,
		logger:  logger.With().Str("component", "approval-gate").Logger(),
		metrics: metrics,
	}
}

// Required reports whether a run must pass the gate. Dry runs and runs with
// skipApproval never do.
func (g *ApprovalGate) Required(requireApproval bool, opts ExecuteOptions) bool {
	return requireApproval && !opts.DryRun && !opts.SkipApproval
}

// Request registers a pending approval and records it on ec.
func (g *ApprovalGate) Request(ctx context.Context, ec *ExecutionContext) error {
	if g.port == nil {
		return NewPermanentError("approval required but no approval port configured", nil).
			WithCode(ErrCodeInternal).
			WithResource(ec.RunID)
	}

	token, err := g.port.RequestApproval(ctx, ec.RunID)
	if err != nil {
		return NewTransientError("failed to request approval", err).WithResource(ec.RunID)
	}

	now := time.Now()
	ec.Approval.RequestedAt = now
	ec.Approval.Deadline = now.Add(g.timeout)
	ec.appendApproval(ApprovalEvent{
		State:     ApprovalPending,
		Token:     token,
		Timestamp: now,
	})

	g.logger.Info().
		Str("run_id", ec.RunID).
		Str("plan_id", ec.PlanID).
		Str("token", token).
		Time("deadline", ec.Approval.Deadline).
		Msg("Approval requested")
	return nil
}

// Await blocks until a decision arrives or the recorded deadline passes. The
// deadline survives restarts because it is stored on ec. A deadline that
// passed while nobody was waiting is settled on the port as timed out, so an
// operator decision that landed first still wins. The decision is appended to
// the approval trail.
func (g *ApprovalGate) Await(ctx context.Context, ec *ExecutionContext) (ApprovalState, error) {
	if ec.Approval.State != ApprovalPending {
		return ec.Approval.State, fmt.Errorf("run %s is not awaiting approval (state %s)", ec.RunID, ec.Approval.State)
	}
	if g.port == nil {
		return ApprovalPending, NewPermanentError("no approval port configured", nil).
			WithCode(ErrCodeInternal).
			WithResource(ec.RunID)
	}

	var (
		decision *ApprovalDecision
		err      error
	)
	if remaining := time.Until(ec.Approval.Deadline); remaining > 0 {
		decision, err = g.port.AwaitDecision(ctx, ec.Approval.Token, remaining)
	} else {
		decision, err = g.port.Settle(ctx, ec.Approval.Token, &ApprovalDecision{
			State:  ApprovalTimedOut,
			Reason: "approval deadline passed",
			At:     time.Now(),
		})
	}
	if err != nil {
		return ApprovalPending, fmt.Errorf("failed to await approval decision: %w", err)
	}

	if decision.At.IsZero() {
		decision.At = time.Now()
	}
	ec.appendApproval(ApprovalEvent{
		State:     decision.State,
		Approver:  decision.Approver,
		Reason:    decision.Reason,
		Timestamp: decision.At,
	})
	g.metrics.RecordApproval(string(decision.State))

	g.logger.Info().
		Str("run_id", ec.RunID).
		Str("decision", string(decision.State)).
		Str("approver", decision.Approver).
		Msg("Approval decided")
	return decision.State, nil
}

// Withdraw settles a run's pending approval as rejected on behalf of the
// operator, waking any process still waiting on it. It returns the decision
// that stands, which differs from the rejection when someone decided first.
func (g *ApprovalGate) Withdraw(ctx context.Context, ec *ExecutionContext, reason string) (*ApprovalDecision, error) {
	if g.port == nil || ec.Approval.Token == "" {
		return nil, nil
	}
	d, err := g.port.Settle(ctx, ec.Approval.Token, &ApprovalDecision{
		State:    ApprovalRejected,
		Approver: "operator",
		Reason:   reason,
		At:       time.Now(),
	})
	if err != nil {
		return nil, NewTransientError("failed to withdraw approval request", err).WithResource(ec.RunID)
	}
	g.logger.Info().
		Str("run_id", ec.RunID).
		Str("decision", string(d.State)).
		Msg("Approval request withdrawn")
	return d, nil
}
