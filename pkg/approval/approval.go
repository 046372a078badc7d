// Package approval implements approval ports backed by the run store.
// Decisions are written by operators through Decide (for example from the
// CLI in another process) and picked up by the waiting orchestrator.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
	"github.com/openfroyo/failsafe/pkg/stores"
)

// Backend is the persistence an approval port needs.
type Backend interface {
	CreateApproval(ctx context.Context, req *stores.ApprovalRequest) (*stores.ApprovalRequest, error)
	GetApproval(ctx context.Context, token string) (*stores.ApprovalRequest, error)
	GetApprovalByRun(ctx context.Context, runID string) (*stores.ApprovalRequest, error)
	DecideApproval(ctx context.Context, token string, state engine.ApprovalState, approver, reason string) error
}

// StorePort is an engine.ApprovalPort that polls the backend for decisions.
type StorePort struct {
	backend  Backend
	interval time.Duration
	logger   zerolog.Logger
}

var _ engine.ApprovalPort = (*StorePort)(nil)

// NewStorePort creates a polling approval port. A zero interval defaults to one second.
func NewStorePort(backend Backend, interval time.Duration, logger zerolog.Logger) *StorePort {
	if interval <= 0 {
		interval = time.Second
	}
	return &StorePort{
		backend:  backend,
		interval: interval,
		logger:   logger.With().Str("component", "approval-port").Logger(),
	}
}

// RequestApproval registers a pending approval, or returns the run's existing token.
func (p *StorePort) RequestApproval(ctx context.Context, runID string) (string, error) {
	req, err := p.backend.CreateApproval(ctx, &stores.ApprovalRequest{RunID: runID})
	if err != nil {
		return "", err
	}
	return req.Token, nil
}

// AwaitDecision polls until the request leaves the pending state or timeout
// elapses. On timeout the request is marked timed out, unless a decision
// landed first, in which case that decision wins.
func (p *StorePort) AwaitDecision(ctx context.Context, token string, timeout time.Duration) (*engine.ApprovalDecision, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		req, err := p.backend.GetApproval(ctx, token)
		if err != nil {
			return nil, err
		}
		if req.State != engine.ApprovalPending {
			return decisionOf(req), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return p.expire(ctx, token, timeout)
		case <-ticker.C:
		}
	}
}

func (p *StorePort) expire(ctx context.Context, token string, timeout time.Duration) (*engine.ApprovalDecision, error) {
	d, err := p.Settle(ctx, token, &engine.ApprovalDecision{
		State:  engine.ApprovalTimedOut,
		Reason: fmt.Sprintf("no decision within %s", timeout),
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().Str("token", token).Str("state", string(d.State)).Msg("Approval window closed")
	return d, nil
}

// Settle records decision unless the request was already decided and returns
// the stored decision. Pollers in AwaitDecision see it on their next tick.
func (p *StorePort) Settle(ctx context.Context, token string, decision *engine.ApprovalDecision) (*engine.ApprovalDecision, error) {
	err := p.backend.DecideApproval(ctx, token, decision.State, decision.Approver, decision.Reason)
	if err != nil && !errors.Is(err, stores.ErrAlreadyDecided) {
		return nil, err
	}

	req, err := p.backend.GetApproval(ctx, token)
	if err != nil {
		return nil, err
	}
	return decisionOf(req), nil
}

// Decide records an operator decision for the pending approval of runID.
func Decide(ctx context.Context, backend Backend, runID string, state engine.ApprovalState, approver, reason string) error {
	if state != engine.ApprovalApproved && state != engine.ApprovalRejected {
		return fmt.Errorf("invalid decision %q", state)
	}
	if approver == "" {
		return fmt.Errorf("approver is required")
	}

	req, err := backend.GetApprovalByRun(ctx, runID)
	if err != nil {
		return err
	}
	return backend.DecideApproval(ctx, req.Token, state, approver, reason)
}

func decisionOf(req *stores.ApprovalRequest) *engine.ApprovalDecision {
	d := &engine.ApprovalDecision{
		State:    req.State,
		Approver: req.Approver,
		Reason:   req.Reason,
	}
	if req.DecidedAt != nil {
		d.At = *req.DecidedAt
	}
	return d
}
