package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func pendingContext(t *testing.T, gate *ApprovalGate) *ExecutionContext {
	t.Helper()
	plan := testPlan("p", step("a"))
	ec := NewExecutionContext(&plan, "run-1", "prod", ExecuteOptions{}, time.Now())
	if err := gate.Request(context.Background(), ec); err != nil {
		t.Fatalf("Expected no error requesting approval, got: %v", err)
	}
	return ec
}

func TestApprovalGate_Required(t *testing.T) {
	gate := NewApprovalGate(newMemApprovals(), time.Minute, zerolog.Nop(), nil)

	if !gate.Required(true, ExecuteOptions{}) {
		t.Error("Expected approval to be required")
	}
	if gate.Required(true, ExecuteOptions{DryRun: true}) {
		t.Error("Expected dry runs to skip approval")
	}
	if gate.Required(true, ExecuteOptions{SkipApproval: true}) {
		t.Error("Expected skipApproval to skip approval")
	}
	if gate.Required(false, ExecuteOptions{}) {
		t.Error("Expected approval not to be required")
	}
}

func TestApprovalGate_Request(t *testing.T) {
	gate := NewApprovalGate(newMemApprovals(), time.Minute, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)

	if ec.Approval.State != ApprovalPending {
		t.Errorf("Expected pending_approval, got %s", ec.Approval.State)
	}
	if ec.Approval.Token != "token-run-1" {
		t.Errorf("Expected token token-run-1, got %s", ec.Approval.Token)
	}
	if got := ec.Approval.Deadline.Sub(ec.Approval.RequestedAt); got != time.Minute {
		t.Errorf("Expected deadline one minute after request, got %v", got)
	}
	if len(ec.Approval.Trail) != 1 {
		t.Errorf("Expected 1 trail entry, got %d", len(ec.Approval.Trail))
	}
}

func TestApprovalGate_Await_Approved(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewApprovalGate(approvals, time.Minute, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)

	approvals.decide(t, ec.Approval.Token, ApprovalApproved)
	state, err := gate.Await(context.Background(), ec)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != ApprovalApproved {
		t.Errorf("Expected approved, got %s", state)
	}
	if len(ec.Approval.Trail) != 2 {
		t.Fatalf("Expected 2 trail entries, got %d", len(ec.Approval.Trail))
	}
	if ec.Approval.Trail[1].Approver != "oncall" {
		t.Errorf("Expected approver oncall, got %s", ec.Approval.Trail[1].Approver)
	}
}

func TestApprovalGate_Await_TimesOut(t *testing.T) {
	gate := NewApprovalGate(newMemApprovals(), 20*time.Millisecond, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)

	state, err := gate.Await(context.Background(), ec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != ApprovalTimedOut {
		t.Errorf("Expected timed_out, got %s", state)
	}
}

func TestApprovalGate_Await_DeadlineAlreadyPassed(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewApprovalGate(approvals, time.Minute, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)
	ec.Approval.Deadline = time.Now().Add(-time.Second)

	state, err := gate.Await(context.Background(), ec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != ApprovalTimedOut {
		t.Errorf("Expected timed_out, got %s", state)
	}
	d := approvals.decision(ec.Approval.Token)
	if d == nil || d.State != ApprovalTimedOut {
		t.Errorf("Expected timed_out to be recorded on the port, got %+v", d)
	}
}

func TestApprovalGate_Await_DecidedBeforeDeadlinePassed(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewApprovalGate(approvals, time.Minute, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)

	// Approved while no process was waiting, then resumed after the deadline.
	approvals.decide(t, ec.Approval.Token, ApprovalApproved)
	ec.Approval.Deadline = time.Now().Add(-time.Second)

	state, err := gate.Await(context.Background(), ec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != ApprovalApproved {
		t.Errorf("Expected the earlier approval to stand, got %s", state)
	}
}

func TestApprovalGate_Withdraw(t *testing.T) {
	approvals := newMemApprovals()
	gate := NewApprovalGate(approvals, time.Minute, zerolog.Nop(), nil)
	ec := pendingContext(t, gate)

	d, err := gate.Withdraw(context.Background(), ec, "aborted by operator")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.State != ApprovalRejected || d.Reason != "aborted by operator" {
		t.Errorf("Expected rejected by operator, got %+v", d)
	}

	// A later decision does not override the withdrawal.
	approvals.decide(t, ec.Approval.Token, ApprovalApproved)
	if got := approvals.decision(ec.Approval.Token); got.State != ApprovalRejected {
		t.Errorf("Expected rejection to stand, got %s", got.State)
	}
}

func TestApprovalGate_Await_NotPending(t *testing.T) {
	gate := NewApprovalGate(newMemApprovals(), time.Minute, zerolog.Nop(), nil)
	plan := testPlan("p", step("a"))
	ec := NewExecutionContext(&plan, "run-1", "prod", ExecuteOptions{}, time.Now())

	if _, err := gate.Await(context.Background(), ec); err == nil {
		t.Error("Expected error awaiting a run that never requested approval")
	}
}
