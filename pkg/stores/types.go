package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var (
	// ErrApprovalNotFound is returned when no approval request matches.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrAlreadyDecided is returned when deciding an approval that is no longer pending.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// ApprovalRequest is a persisted approval gate request.
type ApprovalRequest struct {
	Token       string               `json:"token"`
	RunID       string               `json:"run_id"`
	State       engine.ApprovalState `json:"state"`
	Approver    string               `json:"approver,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
	DecidedAt   *time.Time           `json:"decided_at,omitempty"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "plan.saved", "run.approved", "run.aborted"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // plan or run ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.PersistencePort
	engine.RunStateStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// ListRuns returns run checkpoints, newest first.
	ListRuns(ctx context.Context, planID string, limit int) ([]*engine.ExecutionContext, error)

	// Approval operations
	CreateApproval(ctx context.Context, req *ApprovalRequest) (*ApprovalRequest, error)
	GetApproval(ctx context.Context, token string) (*ApprovalRequest, error)
	GetApprovalByRun(ctx context.Context, runID string) (*ApprovalRequest, error)
	DecideApproval(ctx context.Context, token string, state engine.ApprovalState, approver, reason string) error

	// Event operations
	AppendEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]engine.Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
