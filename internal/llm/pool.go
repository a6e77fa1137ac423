package llm

import (
	"context"

	"golang.org/x/sync/semaphore"

	"loom/internal/logging"
	"loom/internal/types"
)

// Pool bounds concurrent sidecar invocations process-wide. Excess calls
// queue on the semaphore in arrival order; cancellation while queued returns
// a transient error without consuming a slot.
type Pool struct {
	inner types.Runner
	sem   *semaphore.Weighted
}

// NewPool wraps a runner with a fixed concurrency cap.
func NewPool(inner types.Runner, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{inner: inner, sem: semaphore.NewWeighted(int64(concurrency))}
}

// Run acquires a slot, then delegates to the wrapped runner.
func (p *Pool) Run(ctx context.Context, req types.RunRequest) (*types.RunResult, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		logging.Get(logging.CategoryRunner).Debug("queue wait cancelled: %v", err)
		return nil, types.Wrap(types.KindLLMTransient, err, "cancelled waiting for runner slot")
	}
	defer p.sem.Release(1)
	return p.inner.Run(ctx, req)
}
