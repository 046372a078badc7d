package coord

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// redisForTest connects to FAILSAFE_TEST_REDIS_URL or skips the test.
func redisForTest(t *testing.T) (*redis.Client, Config) {
	t.Helper()

	url := os.Getenv("FAILSAFE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FAILSAFE_TEST_REDIS_URL not set")
	}
	cfg := Config{URL: url, Prefix: "failsafe-test-" + uuid.New().String()[:8], LockTTL: 300 * time.Millisecond}
	rdb, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, cfg
}

func TestKeys(t *testing.T) {
	k := newKeys("")
	if got := k.lock("db"); got != "failsafe:lock:plan:db" {
		t.Errorf("Expected failsafe:lock:plan:db, got %s", got)
	}
	k = newKeys("dr")
	if got := k.decision("tok"); got != "dr:approval:decision:tok" {
		t.Errorf("Expected dr:approval:decision:tok, got %s", got)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{URL: "not a url"}); err == nil {
		t.Error("Expected error for invalid URL, got nil")
	}
}

func TestRedisLock_Exclusive(t *testing.T) {
	rdb, cfg := redisForTest(t)
	lock := NewRedisLock(rdb, cfg, zerolog.Nop())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "db", "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err = lock.Acquire(ctx, "db", "run-2")
	if !engine.IsConflict(err) || !engine.HasCode(err, engine.ErrCodeRunActive) {
		t.Fatalf("Expected run active conflict, got %v", err)
	}

	// Outlives several TTLs through refresh.
	time.Sleep(time.Second)
	if _, err := lock.Acquire(ctx, "db", "run-2"); err == nil {
		t.Fatal("Expected lock to still be held after refreshes")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Errorf("Expected second release to be a no-op, got %v", err)
	}

	release2, err := lock.Acquire(ctx, "db", "run-2")
	if err != nil {
		t.Fatalf("Expected lock to be free after release, got %v", err)
	}
	_ = release2(ctx)
}

func TestRedisLock_ReentrantForSameRun(t *testing.T) {
	rdb, cfg := redisForTest(t)
	lock := NewRedisLock(rdb, cfg, zerolog.Nop())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "db", "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer release(ctx)

	again, err := lock.Acquire(ctx, "db", "run-1")
	if err != nil {
		t.Fatalf("Expected re-entrant acquire, got %v", err)
	}
	_ = again(ctx)
}

func TestRedisApprovals_DecisionWakesWaiter(t *testing.T) {
	rdb, cfg := redisForTest(t)
	approvals := NewRedisApprovals(rdb, cfg, zerolog.Nop())
	ctx := context.Background()

	token, err := approvals.RequestApproval(ctx, "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	again, _ := approvals.RequestApproval(ctx, "run-1")
	if again != token {
		t.Errorf("Expected existing token %s, got %s", token, again)
	}

	time.AfterFunc(50*time.Millisecond, func() {
		_ = approvals.Decide(context.Background(), "run-1", engine.ApprovalApproved, "alice", "")
	})

	d, err := approvals.AwaitDecision(ctx, token, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.State != engine.ApprovalApproved || d.Approver != "alice" {
		t.Errorf("Expected approved by alice, got %+v", d)
	}

	if err := approvals.Decide(ctx, "run-1", engine.ApprovalRejected, "bob", ""); err == nil {
		t.Error("Expected second decision to be refused")
	}
}

func TestRedisApprovals_TimeoutThenLateDecision(t *testing.T) {
	rdb, cfg := redisForTest(t)
	approvals := NewRedisApprovals(rdb, cfg, zerolog.Nop())
	ctx := context.Background()

	token, err := approvals.RequestApproval(ctx, "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	d, err := approvals.AwaitDecision(ctx, token, time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.State != engine.ApprovalTimedOut {
		t.Errorf("Expected timed_out, got %s", d.State)
	}

	if err := approvals.Decide(ctx, "run-1", engine.ApprovalApproved, "alice", ""); err == nil {
		t.Error("Expected late decision to be refused")
	}
}

func TestRedisApprovals_SettleWakesWaiter(t *testing.T) {
	rdb, cfg := redisForTest(t)
	approvals := NewRedisApprovals(rdb, cfg, zerolog.Nop())
	ctx := context.Background()

	token, err := approvals.RequestApproval(ctx, "run-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	time.AfterFunc(50*time.Millisecond, func() {
		_, _ = approvals.Settle(context.Background(), token, &engine.ApprovalDecision{
			State:    engine.ApprovalRejected,
			Approver: "operator",
			Reason:   "aborted by operator",
		})
	})

	d, err := approvals.AwaitDecision(ctx, token, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.State != engine.ApprovalRejected || d.Reason != "aborted by operator" {
		t.Errorf("Expected rejection by the operator, got %+v", d)
	}

	standing, err := approvals.Settle(ctx, token, &engine.ApprovalDecision{State: engine.ApprovalTimedOut})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if standing.State != engine.ApprovalRejected {
		t.Errorf("Expected the first decision to stand, got %s", standing.State)
	}
	if err := approvals.Decide(ctx, "run-1", engine.ApprovalApproved, "alice", ""); err == nil {
		t.Error("Expected approval after settlement to be refused")
	}
}
