// Package coord coordinates orchestrator processes through Redis: a per-plan
// run lock that keeps at most one run of a plan active across processes, and
// an approval channel that wakes a waiting run as soon as a decision lands.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`

	// Prefix namespaces every key.
	Prefix string `yaml:"prefix"`

	// LockTTL bounds how long a crashed process can hold a plan.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "failsafe"
	}
	return keys{prefix: prefix}
}

func (k keys) lock(planID string) string { return fmt.Sprintf("%s:lock:plan:%s", k.prefix, planID) }
func (k keys) approval(runID string) string { return fmt.Sprintf("%s:approval:run:%s", k.prefix, runID) }
func (k keys) decision(token string) string { return fmt.Sprintf("%s:approval:decision:%s", k.prefix, token) }
func (k keys) decided(token string) string { return fmt.Sprintf("%s:approval:decided:%s", k.prefix, token) }

// releaseScript deletes the lock only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only when it is still held by the caller.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is an engine.RunLock backed by SET NX with a refreshed TTL.
type RedisLock struct {
	rdb    redis.UniversalClient
	keys   keys
	ttl    time.Duration
	logger zerolog.Logger
}

var _ engine.RunLock = (*RedisLock)(nil)

// NewRedisLock creates a run lock. A zero ttl defaults to 30 seconds.
func NewRedisLock(rdb redis.UniversalClient, cfg Config, logger zerolog.Logger) *RedisLock {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{
		rdb:    rdb,
		keys:   newKeys(cfg.Prefix),
		ttl:    ttl,
		logger: logger.With().Str("component", "run-lock").Logger(),
	}
}

// Acquire takes the plan's lock for runID. The lock is refreshed every third
// of its TTL until the returned release function is called.
func (l *RedisLock) Acquire(ctx context.Context, planID, runID string) (func(context.Context) error, error) {
	key := l.keys.lock(planID)

	ok, err := l.rdb.SetNX(ctx, key, runID, l.ttl).Result()
	if err != nil {
		return nil, engine.NewTransientError("failed to acquire run lock", err).WithResource(planID)
	}
	if !ok {
		holder, err := l.rdb.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, engine.NewTransientError("failed to read run lock", err).WithResource(planID)
		}
		if holder == runID {
			// Re-entrant for the same run, e.g. a resumed run.
			return l.hold(key, runID), nil
		}
		return nil, engine.NewRunActiveError(planID, holder)
	}

	l.logger.Debug().Str("plan_id", planID).Str("run_id", runID).Msg("Run lock acquired")
	return l.hold(key, runID), nil
}

func (l *RedisLock) hold(key, runID string) func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				res, err := refreshScript.Run(context.Background(), l.rdb, []string{key}, runID, l.ttl.Milliseconds()).Int()
				if err != nil {
					l.logger.Warn().Err(err).Str("key", key).Msg("Failed to refresh run lock")
					continue
				}
				if res == 0 {
					l.logger.Error().Str("key", key).Str("run_id", runID).Msg("Run lock lost")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			<-done
			if rerr := releaseScript.Run(ctx, l.rdb, []string{key}, runID).Err(); rerr != nil {
				err = fmt.Errorf("failed to release run lock: %w", rerr)
				return
			}
			l.logger.Debug().Str("key", key).Str("run_id", runID).Msg("Run lock released")
		})
		return err
	}
}

// RedisApprovals is an engine.ApprovalPort that blocks on a Redis list until
// an operator pushes a decision.
type RedisApprovals struct {
	rdb    redis.UniversalClient
	keys   keys
	logger zerolog.Logger

	// retention is how long approval keys outlive the decision.
	retention time.Duration
}

var _ engine.ApprovalPort = (*RedisApprovals)(nil)

// NewRedisApprovals creates a Redis approval port.
func NewRedisApprovals(rdb redis.UniversalClient, cfg Config, logger zerolog.Logger) *RedisApprovals {
	return &RedisApprovals{
		rdb:       rdb,
		keys:      newKeys(cfg.Prefix),
		logger:    logger.With().Str("component", "redis-approvals").Logger(),
		retention: 7 * 24 * time.Hour,
	}
}

// RequestApproval registers a token for runID, or returns the existing one.
func (a *RedisApprovals) RequestApproval(ctx context.Context, runID string) (string, error) {
	key := a.keys.approval(runID)
	token := uuid.New().String()

	ok, err := a.rdb.SetNX(ctx, key, token, a.retention).Result()
	if err != nil {
		return "", fmt.Errorf("failed to register approval: %w", err)
	}
	if ok {
		return token, nil
	}
	existing, err := a.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read approval: %w", err)
	}
	return existing, nil
}

// AwaitDecision blocks until a decision is pushed or timeout elapses. A
// decision delivered while nobody was waiting is still returned.
func (a *RedisApprovals) AwaitDecision(ctx context.Context, token string, timeout time.Duration) (*engine.ApprovalDecision, error) {
	if d, err := a.stored(ctx, token); err != nil || d != nil {
		return d, err
	}

	res, err := a.rdb.BLPop(ctx, timeout, a.keys.decision(token)).Result()
	if errors.Is(err, redis.Nil) {
		return a.expire(ctx, token, timeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to await decision: %w", err)
	}

	// BLPOP returns [key, value].
	var d engine.ApprovalDecision
	if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

// expire records a timed-out decision unless an operator decided first.
func (a *RedisApprovals) expire(ctx context.Context, token string, timeout time.Duration) (*engine.ApprovalDecision, error) {
	return a.Settle(ctx, token, &engine.ApprovalDecision{
		State:  engine.ApprovalTimedOut,
		Reason: fmt.Sprintf("no decision within %s", timeout),
	})
}

// Decide delivers an operator decision for runID. Only the first decision counts.
func (a *RedisApprovals) Decide(ctx context.Context, runID string, state engine.ApprovalState, approver, reason string) error {
	if state != engine.ApprovalApproved && state != engine.ApprovalRejected {
		return fmt.Errorf("invalid decision %q", state)
	}

	token, err := a.rdb.Get(ctx, a.keys.approval(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("no approval requested for run %s", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read approval: %w", err)
	}

	d := &engine.ApprovalDecision{State: state, Approver: approver, Reason: reason, At: time.Now()}
	ok, err := a.record(ctx, token, d)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("approval for run %s already decided", runID)
	}
	if err := a.deliver(ctx, token, d); err != nil {
		return err
	}

	a.logger.Info().Str("run_id", runID).Str("decision", string(state)).Str("approver", approver).Msg("Approval decision delivered")
	return nil
}

// Settle records decision for token unless one exists and wakes any waiter.
// It returns the decision that stands.
func (a *RedisApprovals) Settle(ctx context.Context, token string, decision *engine.ApprovalDecision) (*engine.ApprovalDecision, error) {
	if decision.At.IsZero() {
		decision.At = time.Now()
	}
	ok, err := a.record(ctx, token, decision)
	if err != nil {
		return nil, err
	}
	if !ok {
		return a.stored(ctx, token)
	}
	if err := a.deliver(ctx, token, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// deliver pushes a recorded decision to the list waiters block on.
func (a *RedisApprovals) deliver(ctx context.Context, token string, d *engine.ApprovalDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	pipe := a.rdb.TxPipeline()
	pipe.RPush(ctx, a.keys.decision(token), body)
	pipe.Expire(ctx, a.keys.decision(token), a.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deliver decision: %w", err)
	}
	return nil
}

// record stores the final decision once. It reports false when a decision
// already existed.
func (a *RedisApprovals) record(ctx context.Context, token string, d *engine.ApprovalDecision) (bool, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("failed to encode decision: %w", err)
	}
	ok, err := a.rdb.SetNX(ctx, a.keys.decided(token), body, a.retention).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record decision: %w", err)
	}
	return ok, nil
}

func (a *RedisApprovals) stored(ctx context.Context, token string) (*engine.ApprovalDecision, error) {
	body, err := a.rdb.Get(ctx, a.keys.decided(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}
	var d engine.ApprovalDecision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}
