package engine

import (
	"context"
	"sync"
)

// BatchScheduler runs the steps of one batch on a bounded worker pool.
// RunBatch returns only after every dispatched step has finished, which makes
// it the barrier between consecutive batches.
type BatchScheduler struct {
	// maxParallel is the maximum number of concurrent step executions
	maxParallel int
}

// NewBatchScheduler creates a scheduler. Non-positive maxParallel defaults to 4.
func NewBatchScheduler(maxParallel int) *BatchScheduler {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &BatchScheduler{maxParallel: maxParallel}
}

// MaxParallel returns the worker limit.
func (s *BatchScheduler) MaxParallel() int {
	return s.maxParallel
}

// RunBatch invokes fn for each step using at most maxParallel workers. Once ctx
// is done, workers stop taking new steps; steps already started run to
// completion. It returns the IDs of steps that were never dispatched.
func (s *BatchScheduler) RunBatch(ctx context.Context, steps []*Step, fn func(context.Context, *Step)) []string {
	if len(steps) == 0 {
		return nil
	}

	workerCount := s.maxParallel
	if len(steps) < workerCount {
		workerCount = len(steps)
	}

	workQueue := make(chan *Step, len(steps))
	for _, step := range steps {
		workQueue <- step
	}
	close(workQueue)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		undispatched []string
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range workQueue {
				if ctx.Err() != nil {
					mu.Lock()
					undispatched = append(undispatched, step.ID)
					mu.Unlock()
					continue
				}
				fn(ctx, step)
			}
		}()
	}

	wg.Wait()
	return undispatched
}
