package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBatchScheduler(t *testing.T) {
	scheduler := NewBatchScheduler(8)
	if scheduler.MaxParallel() != 8 {
		t.Errorf("Expected maxParallel 8, got %d", scheduler.MaxParallel())
	}
}

func TestNewBatchScheduler_DefaultMaxParallel(t *testing.T) {
	scheduler := NewBatchScheduler(0)
	if scheduler.MaxParallel() != 4 {
		t.Errorf("Expected default maxParallel 4, got %d", scheduler.MaxParallel())
	}
}

func TestBatchScheduler_RunBatch_Empty(t *testing.T) {
	called := false
	undispatched := NewBatchScheduler(2).RunBatch(context.Background(), nil, func(context.Context, *Step) {
		called = true
	})

	if called {
		t.Error("Expected fn not to be called for empty batch")
	}
	if len(undispatched) != 0 {
		t.Errorf("Expected 0 undispatched, got %d", len(undispatched))
	}
}

func TestBatchScheduler_RunBatch_BoundedParallelism(t *testing.T) {
	steps := make([]*Step, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s := step(id)
		steps = append(steps, &s)
	}

	var running, maxRunning int32
	var mu sync.Mutex
	seen := make(map[string]bool)

	NewBatchScheduler(2).RunBatch(context.Background(), steps, func(_ context.Context, s *Step) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)

		mu.Lock()
		seen[s.ID] = true
		mu.Unlock()
	})

	if maxRunning > 2 {
		t.Errorf("Expected at most 2 concurrent steps, got %d", maxRunning)
	}
	if maxRunning < 2 {
		t.Errorf("Expected steps to run concurrently, max concurrency was %d", maxRunning)
	}
	if len(seen) != len(steps) {
		t.Errorf("Expected %d executed steps, got %d", len(steps), len(seen))
	}
}

func TestBatchScheduler_RunBatch_IsBarrier(t *testing.T) {
	a, b := step("a"), step("b")
	var finished int32

	NewBatchScheduler(2).RunBatch(context.Background(), []*Step{&a, &b}, func(_ context.Context, s *Step) {
		if s.ID == "b" {
			time.Sleep(30 * time.Millisecond)
		}
		atomic.AddInt32(&finished, 1)
	})

	if got := atomic.LoadInt32(&finished); got != 2 {
		t.Errorf("Expected RunBatch to return after all steps finished, %d finished", got)
	}
}

func TestBatchScheduler_RunBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, b, c := step("a"), step("b"), step("c")
	var calls int32
	undispatched := NewBatchScheduler(2).RunBatch(ctx, []*Step{&a, &b, &c}, func(context.Context, *Step) {
		atomic.AddInt32(&calls, 1)
	})

	if calls != 0 {
		t.Errorf("Expected no dispatched steps, got %d", calls)
	}
	if len(undispatched) != 3 {
		t.Errorf("Expected 3 undispatched steps, got %d", len(undispatched))
	}
}

func TestBatchScheduler_RunBatch_CancelMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	steps := make([]*Step, 0, 4)
	for _, id := range []string{"a", "b", "c", "d"} {
		s := step(id)
		steps = append(steps, &s)
	}

	var calls int32
	undispatched := NewBatchScheduler(1).RunBatch(ctx, steps, func(context.Context, *Step) {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
		}
	})

	if calls != 1 {
		t.Errorf("Expected 1 dispatched step, got %d", calls)
	}
	if len(undispatched) != 3 {
		t.Errorf("Expected 3 undispatched steps, got %d", len(undispatched))
	}
}
