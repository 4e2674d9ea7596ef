// Package async runs background work with panic recovery and timeouts.
//
// SafeGo runs one task in its own goroutine:
//
//	async.SafeGo(ctx, logger, time.Minute, "initial refresh", func(ctx context.Context) error {
//		return catalogs.RefreshAll(ctx)
//	})
//
// WorkerPool runs queued tasks on a fixed number of workers. The sideload
// watcher uses a single worker so dropped packages install one at a time:
//
//	pool := async.NewWorkerPool(ctx, logger, 1, "sideload", 10*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		return install(ctx, path)
//	})
package async
