// Package utils holds small concurrency and timing helpers shared by camcal components.
package utils

import (
	"context"
	"sync"
	"time"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that share one cancellation signal.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// Copying a sync.WaitGroup is a bug, so the implementation is only handed out behind the interface.
type stoppableWorkersImpl struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	active     sync.WaitGroup
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	workers := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	workers.AddWorkers(funcs...)
	return workers
}

// AddWorkers starts a goroutine per function. It is a no-op after Stop.
func (sw *stoppableWorkersImpl) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.active.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer sw.active.Done()
			f(sw.cancelCtx)
		})
	}
}

// Stop cancels the shared context and waits for every worker to return. Workers only observe the
// cancellation between iterations, so an in-flight blocking call finishes first.
func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.active.Wait()
}

// Context gets the context the workers are checking on.
func (sw *stoppableWorkersImpl) Context() context.Context {
	return sw.cancelCtx
}

// Loop returns a worker that calls iter until the context is cancelled. A non-zero pause is slept
// between iterations that report false, so a failing iteration does not spin.
func Loop(iter func(ctx context.Context) bool, pause time.Duration) func(context.Context) {
	return func(ctx context.Context) {
		for ctx.Err() == nil {
			if !iter(ctx) && pause > 0 {
				goutils.SelectContextOrWait(ctx, pause)
			}
		}
	}
}
