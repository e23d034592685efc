package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned when submitting to a pool that was shut down.
var ErrPoolClosed = errors.New("pool is shut down")

// pool runs at most size tasks at once. Shutdown stops intake, waits for
// running tasks, and cancels them if they outlive the timeout.
type pool struct {
	name   string
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	logger hclog.Logger
}

// newPool creates a pool. cancel is invoked on forced shutdown in addition to
// the pool's own context, so tasks watching a shared context stop too.
func newPool(parent context.Context, name string, size int, cancel context.CancelFunc, logger hclog.Logger) *pool {
	ctx, own := context.WithCancel(parent)
	return &pool{
		name: name,
		sem:  semaphore.NewWeighted(int64(max(size, 1))),
		ctx:  ctx,
		cancel: func() {
			own()
			if cancel != nil {
				cancel()
			}
		},
		logger: logger,
	}
}

// Go queues task. Tasks whose slot never frees up before a forced shutdown
// still run, so their cleanup paths execute.
func (p *pool) Go(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task()
			return
		}
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// Wait blocks until every task returned or abort reports true, checking abort
// every interval. It reports whether the tasks finished.
func (p *pool) Wait(abort func() bool, interval time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if abort() {
				return false
			}
		}
	}
}

// Shutdown waits up to timeout for tasks to finish and cancels them
// otherwise. It reports whether every task finished in time.
func (p *pool) Shutdown(timeout time.Duration) bool {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.logger.Warn("pool did not terminate in time, cancelling", "pool", p.name, "timeout", timeout)
		p.cancel()
		return false
	}
}
