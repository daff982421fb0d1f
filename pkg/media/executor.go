package media

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs CPU-heavy tasks with bounded parallelism. Submit never
// blocks; the returned Future resolves once the task has run.
type Executor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewExecutor allows at most n tasks to run at once.
func NewExecutor(n int) *Executor {
	if n < 1 {
		n = 1
	}
	return &Executor{sem: semaphore.NewWeighted(int64(n))}
}

// Future is the pending result of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules task. The task receives ctx and is skipped if ctx ends
// before a slot frees up.
func (e *Executor) Submit(ctx context.Context, task func(context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(f.done)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		f.err = task(ctx)
	}()
	return f
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}
