package fetch_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthboard/internal/fetch"
)

func TestAllPreservesOrder(t *testing.T) {
	const n = 40
	for _, limit := range []int{1, 3, 8, n} {
		tasks := make([]fetch.Task[int], n)
		for i := range tasks {
			delay := time.Duration(rand.Intn(3)) * time.Millisecond
			tasks[i] = func(ctx context.Context) int {
				time.Sleep(delay)
				return i * 10
			}
		}
		results := fetch.All(context.Background(), limit, tasks)
		require.Len(t, results, n)
		for i, v := range results {
			assert.Equal(t, i*10, v, "limit=%d index=%d", limit, i)
		}
	}
}

func TestAllRespectsConcurrencyBound(t *testing.T) {
	const limit = 4
	var active, peak atomic.Int32
	tasks := make([]fetch.Task[struct{}], 30)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) struct{} {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return struct{}{}
		}
	}
	fetch.All(context.Background(), limit, tasks)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Positive(t, peak.Load())
}

func TestAllEmpty(t *testing.T) {
	results := fetch.All[string](context.Background(), 5, nil)
	assert.Empty(t, results)
}

func TestSlowTaskHoldsOnlyItsSlot(t *testing.T) {
	release := make(chan struct{})
	var done sync.WaitGroup
	done.Add(3)
	tasks := []fetch.Task[string]{
		func(ctx context.Context) string { <-release; return "slow" },
		func(ctx context.Context) string { done.Done(); return "a" },
		func(ctx context.Context) string { done.Done(); return "b" },
		func(ctx context.Context) string { done.Done(); return "c" },
	}
	out := make(chan []string)
	go func() { out <- fetch.All(context.Background(), 2, tasks) }()

	// The three fast tasks all finish through the single free slot.
	done.Wait()
	close(release)
	assert.Equal(t, []string{"slow", "a", "b", "c"}, <-out)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, 5, fetch.Limit(5, 0))
	assert.Equal(t, 5, fetch.Limit(5, 10))
	assert.Equal(t, 3, fetch.Limit(5, 3))
}
