// Package fetch runs independent upstream calls under a concurrency ceiling.
package fetch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task produces exactly one result. Tasks convert their own failures into
// fallback values; All never drops a slot.
type Task[T any] func(ctx context.Context) T

// All runs tasks with at most limit in flight and returns results in input
// order. A slot is released as soon as its task returns. limit <= 0 means
// no ceiling.
//
// No timeout is enforced here: a task that never returns holds its slot
// and All waits for it.
func All[T any](ctx context.Context, limit int, tasks []Task[T]) []T {
	results := make([]T, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	var g errgroup.Group
	g.SetLimit(Limit(len(tasks), limit))
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = task(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Limit returns the effective concurrency for n tasks.
func Limit(n, limit int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}
