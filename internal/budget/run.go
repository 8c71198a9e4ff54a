package budget

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RunOptions bounds how batches are executed.
type RunOptions struct {
	// Concurrency is the maximum number of batches in flight. Values below
	// 1 run batches one at a time.
	Concurrency int
	// RatePerSecond limits how often a batch may start. Zero is unlimited.
	RatePerSecond float64
}

// Run calls fn once per batch and returns the results in batch order. The
// first error cancels the context passed to the remaining calls and is
// returned.
func Run[T, R any](ctx context.Context, batches [][]T, fn func(ctx context.Context, index int, batch []T) (R, error), opts RunOptions) ([]R, error) {
	results := make([]R, len(batches))
	if len(batches) == 0 {
		return results, nil
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, batch := range batches {
		i, batch := i, batch
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			r, err := fn(gctx, i, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
