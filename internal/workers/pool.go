// Package workers runs submitted closures on a fixed set of goroutines.
//
// Submission never blocks: tasks go into an unbounded FIFO queue and are
// picked up by the first idle worker. Because dispatch is FIFO, a task that
// waits on a handle produced by an earlier submission never waits on a task
// that has not been dequeued yet, so chained submissions cannot starve the
// pool.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/roach88/asyncgraph/internal/deferred"
	"github.com/roach88/asyncgraph/internal/graph"
)

// Pool is a bounded set of worker goroutines.
type Pool struct {
	queue  *taskQueue
	size   int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for worker lifecycle and panics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New starts a pool of size workers. A size below 1 uses runtime.NumCPU().
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  newTaskQueue(),
		size:   size,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	p.logger.Debug("worker pool started", "workers", size)

	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return p.queue.Len()
}

// Submit queues fn and returns a handle to its result. fn runs with the
// pool's context, which is cancelled after Close has drained the queue.
//
// A panic inside fn resolves the handle with an error instead of crashing
// the worker. Submit fails with a CodeClosed error once the pool is closed.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) (*deferred.Handle[T], error) {
	h := deferred.New[T]()
	ok := p.queue.Enqueue(func() {
		v, err := run(p.ctx, fn)
		h.Complete(v, err)
	})
	if !ok {
		return nil, graph.NewError(graph.CodeClosed, "submit", "worker pool is closed")
	}
	return h, nil
}

func run[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// worker is the processing loop of one goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("workerID", id)

	for {
		if t, ok := p.queue.TryDequeue(); ok {
			p.exec(logger, t)
			continue
		}

		if p.queue.Closed() {
			// Closed and drained.
			return
		}
		<-p.queue.Wait()
	}
}

func (p *Pool) exec(logger *slog.Logger, t task) {
	defer func() {
		// Tasks built by Submit recover their own panics; this guards the
		// worker against anything else.
		if r := recover(); r != nil {
			logger.Error("worker task panicked", "panic", r)
		}
	}()
	t()
}

// Close stops accepting submissions, lets workers finish every queued task,
// then cancels the pool context. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.queue.Close()
		p.wg.Wait()
		p.cancel()
		p.logger.Debug("worker pool stopped")
	})
}
