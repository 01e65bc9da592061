// Package workerpool runs a function over a slice of items with bounded
// concurrency.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run executes fn for each item using up to workers goroutines. Unlike an
// errgroup, a failing item does not cancel the others: every item is
// attempted and all errors are returned joined. Items not yet started when
// ctx ends are skipped and ctx.Err() is included.
func Run[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)

	var mu sync.Mutex
	var errs []error

	for _, item := range items {
		if ctx.Err() != nil {
			mu.Lock()
			errs = append(errs, ctx.Err())
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	g.Wait() //nolint:errcheck
	return errors.Join(errs...)
}
