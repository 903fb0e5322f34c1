package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/keel/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine bounded by timeout. Panics are recovered
// and errors are logged, never propagated.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "event relay publish", func(ctx context.Context) error {
//	    return relay.Publish(ctx, event)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// Task errors are logged and counted; a full queue blocks Submit.
type WorkerPool struct {
	logger   *observability.Logger
	taskName string
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	errMu  sync.Mutex
	errs   []error
	maxErr int
}

// NewWorkerPool starts workers goroutines that process tasks with a
// per-task timeout.
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "audit sink", 5*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		logger:   logger.WithField("pool", taskName),
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*64),
		ctx:      ctx,
		cancel:   cancel,
		maxErr:   workers * 10,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	return pool
}

// Submit queues fn. It blocks while the queue is full and fails once the
// pool is shut down or its context is cancelled.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks
// to drain. Remaining tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
	}
}

// Errors returns the task errors collected so far, capped at ten per
// worker.
func (p *WorkerPool) Errors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for fn := range p.workCh {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			err = errors.Join(err, observability.PanicError(p.logger, p.taskName, recover()))
		}()
		err = fn(ctx)
	}()

	if err == nil {
		return
	}
	p.logger.WithError(err).Warn("Task failed")

	p.errMu.Lock()
	if len(p.errs) < p.maxErr {
		p.errs = append(p.errs, err)
	}
	p.errMu.Unlock()
}

// Batch applies fn to every item with at most workers running at once and
// returns the errors encountered.
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout)
	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			_ = pool.Shutdown(0)
			return append(pool.Errors(), err)
		}
	}

	// Tasks carry their own timeouts, so draining cannot hang forever.
	_ = pool.Shutdown(timeout * time.Duration(len(items)+1))
	return pool.Errors()
}
