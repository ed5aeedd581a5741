package async

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/dtc/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout and panic recovery. Errors and
// panics are logged, never propagated. The returned channel closes when fn
// has finished.
//
//	async.SafeGo(ctx, logger, 30*time.Second, "purge media", func(ctx context.Context) error {
//	    return objects.DeletePrefix(ctx, prefix)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("Background task failed")
		}
	}()
	return done
}

// Outcome is the settled result of one Settle task
type Outcome[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Settle runs fn for every item with at most limit tasks in flight and waits
// for all of them. A failing or panicking task never cancels its siblings;
// each outcome is reported at the index of its item.
func Settle[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) []Outcome[T, R] {
	outcomes := make([]Outcome[T, R], len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, item := range items {
		g.Go(func() error {
			outcomes[i].Item = item
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].Err = observability.PanicError(r)
				}
			}()
			outcomes[i].Value, outcomes[i].Err = fn(ctx, item)
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// Failed returns the outcomes that carry an error
func Failed[T, R any](outcomes []Outcome[T, R]) []Outcome[T, R] {
	var failed []Outcome[T, R]
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
