// Package worker runs blocking work off the event loop on a bounded pool.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the pool size used when none is configured.
const DefaultSize = 4

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// Pool limits how many jobs run at once. Submitting never blocks: a job
// waits for a free slot on its own goroutine.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool running at most size jobs concurrently.
func New(size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		log:    log.Named("worker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Go schedules fn. The context passed to fn is cancelled when the pool is
// shut down. A panic in fn is logged and does not affect other jobs.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.log.Warn("job dropped", zap.String("job", name), zap.Error(err))
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

// Close stops accepting jobs and waits for scheduled ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Shutdown stops accepting jobs and waits for scheduled ones until ctx is
// done, after which the jobs' context is cancelled and waiting continues.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("shutdown deadline reached, cancelling jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}
