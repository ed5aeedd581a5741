// Package async provides concurrency helpers for background work.
//
// SafeGo runs a fire-and-forget task with a timeout and panic recovery:
//
//	async.SafeGo(ctx, logger, time.Minute, "purge media", purge)
//
// Settle runs a batch with bounded concurrency and returns every outcome.
// Unlike errgroup.WithContext, a failing task does not cancel the rest:
//
//	outcomes := async.Settle(ctx, users, 16, report)
//	for _, o := range async.Failed(outcomes) { ... }
package async
