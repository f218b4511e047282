package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Runner executes compiled functions through an Engine under a global
// concurrency bound. The semaphore slot is held for the full execution and
// released on every exit path, including cancellation.
type Runner struct {
	engine       Engine
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	active       atomic.Int64
}

// NewRunner builds a runner with a concurrency bound of maxConcurrent.
// queueTimeout bounds how long a call may wait for a slot before it is
// rejected as over the concurrency limit.
func NewRunner(engine Engine, maxConcurrent int64, queueTimeout time.Duration) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	if queueTimeout <= 0 {
		queueTimeout = 5 * time.Second
	}
	return &Runner{
		engine:       engine,
		sem:          semaphore.NewWeighted(maxConcurrent),
		queueTimeout: queueTimeout,
	}
}

// Engine returns the underlying execution engine.
func (r *Runner) Engine() Engine { return r.engine }

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Execute runs one compiled function against tc. The wall-clock timeout
// here is the orchestration-layer defense; the engine's own step budget or
// OS rlimits enforce the primary ceiling.
func (r *Runner) Execute(ctx context.Context, compiled *Compiled, tc TickContext) (any, error) {
	fc := compiled.Config

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, r.queueTimeout)
	defer cancelAcquire()
	if err := r.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, &ExecutionError{Function: fc.FunctionName, Op: "acquire_slot", Err: ctx.Err()}
		}
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "acquire_slot",
			Err: fmt.Errorf("%w: no slot within %s", ErrConcurrencyLimit, r.queueTimeout)}
	}
	defer r.sem.Release(1)

	r.active.Add(1)
	defer r.active.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, fc.Timeout)
	defer cancel()

	result, err := r.engine.Run(execCtx, compiled, tc)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && !IsTimeout(err) && !IsMemoryLimit(err) {
			return nil, &ExecutionError{Function: fc.FunctionName, Op: "run", Err: ErrTimeout}
		}
		return nil, err
	}
	return result, nil
}
