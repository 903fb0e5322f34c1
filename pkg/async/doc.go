// Package async provides goroutine helpers for background work: fire and
// forget tasks with panic recovery, a bounded worker pool and a batch
// helper built on it.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "relay publish", func(ctx context.Context) error {
//		return relay.Publish(ctx, ev)
//	})
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "audit sink", 5*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//	_ = pool.Submit(func(ctx context.Context) error { return sink.Write(ctx, entry) })
//
//	errs := async.Batch(ctx, logger, days, 4, "archive upload", time.Minute, upload)
//
// Every task gets its own timeout derived from the parent context.
package async
