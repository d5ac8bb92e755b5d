package poll

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxParallel bounds concurrent per-router queries.
const MaxParallel = 16

// All runs fn for every key concurrently and returns the first error.
func All(ctx context.Context, keys []string, fn func(ctx context.Context, key string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallel)
	for _, key := range keys {
		g.Go(func() error {
			if err := fn(gctx, key); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Collect runs fn for every key concurrently and gathers the results.
// Results are written under a lock; fn itself must not touch shared state
// without its own synchronization.
func Collect[T any](ctx context.Context, keys []string, fn func(ctx context.Context, key string) (T, error)) (map[string]T, error) {
	var mu sync.Mutex
	out := make(map[string]T, len(keys))
	err := All(ctx, keys, func(ctx context.Context, key string) error {
		v, err := fn(ctx, key)
		if err != nil {
			return err
		}
		mu.Lock()
		out[key] = v
		mu.Unlock()
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
