package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/observability"
)

// AsyncLogger hands events to a worker pool so RPCs never wait on the
// sink. Failed writes are logged by the pool.
type AsyncLogger struct {
	sink Logger
	pool *async.WorkerPool
}

// NewAsyncLogger wraps sink with workers goroutines
func NewAsyncLogger(ctx context.Context, sink Logger, workers int, logger *observability.Logger) *AsyncLogger {
	return &AsyncLogger{
		sink: sink,
		pool: async.NewWorkerPool(ctx, logger, workers, "audit sink", 5*time.Second),
	}
}

// Log queues event. The request context is not used for the write since
// the request may finish first.
func (l *AsyncLogger) Log(ctx context.Context, event *Event) error {
	return l.pool.Submit(func(ctx context.Context) error {
		return l.sink.Log(ctx, event)
	})
}

// Close drains queued events and closes the sink
func (l *AsyncLogger) Close() error {
	if err := l.pool.Shutdown(10 * time.Second); err != nil {
		_ = l.sink.Close()
		return err
	}
	return l.sink.Close()
}
