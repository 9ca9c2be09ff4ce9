package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPanicHandler is called with the recovered value when a job panics.
func WithPanicHandler(fn func(recovered any)) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// WithActivityHook is called with +1 when a job starts and -1 when it ends.
func WithActivityHook(fn func(delta int)) PoolOption {
	return func(p *WorkerPool) { p.onActive = fn }
}

// WorkerPool is a bounded goroutine pool shared by every render session.
// Renderers shell out to external processes, so the bound is what keeps a
// burst of streaming updates from forking without limit.
type WorkerPool struct {
	size     int
	sem      chan struct{}
	wg       sync.WaitGroup
	active   atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	panics   atomic.Int64
	mu       sync.Mutex
	stop     chan struct{}
	closed   bool
	onPanic  func(any)
	onActive func(int)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, opts ...PoolOption) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		size: size,
		sem:  make(chan struct{}, size),
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at
// capacity and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	if p.onActive != nil {
		p.onActive(1)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				if p.onPanic != nil {
					p.onPanic(r)
				}
			}
			p.active.Add(-1)
			if p.onActive != nil {
				p.onActive(-1)
			}
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.done.Add(1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    p.active.Load(),
		Completed: p.done.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
