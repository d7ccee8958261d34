package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthboard/internal/cache"
)

var epoch = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newStore() (*cache.Store, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	return cache.New(cache.DefaultTTLs(), clock), clock
}

func TestGetAfterSet(t *testing.T) {
	s, _ := newStore()
	s.Set("projects", []int{1, 2}, cache.List, "projects")
	v, ok := s.Get("projects", cache.List)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, v)

	_, ok = s.Get("missing", cache.List)
	assert.False(t, ok)
}

func TestExpiredEntryIsAbsentButPresentUntilSwept(t *testing.T) {
	s, clock := newStore()
	s.Set("project:1:messages", "m", cache.Messages, "project:1")

	clock.Advance(59 * time.Second)
	_, ok := s.Get("project:1:messages", cache.Messages)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get("project:1:messages", cache.Messages)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	assert.Equal(t, 1, s.SweepExpired())
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot(0).DependencyIndex)
}

func TestSetOverwritesAndRefreshes(t *testing.T) {
	s, clock := newStore()
	s.Set("k", "old", cache.Messages)
	clock.Advance(50 * time.Second)
	s.Set("k", "new", cache.Messages)
	clock.Advance(50 * time.Second)
	v, ok := s.Get("k", cache.Messages)
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestUnknownCategoryUsesDefault(t *testing.T) {
	s, clock := newStore()
	s.Set("k", 1, cache.Category("other"))
	clock.Advance(4 * time.Minute)
	_, ok := s.Get("k", cache.Category("other"))
	assert.True(t, ok)
	clock.Advance(time.Minute)
	_, ok = s.Get("k", cache.Category("other"))
	assert.False(t, ok)
}

func TestRealtimeIsNeverStored(t *testing.T) {
	s, _ := newStore()
	s.Set("live", 1, cache.Realtime, "x")
	_, ok := s.Get("live", cache.Realtime)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Invalidate("x"))
}

func TestInvalidateByDependencyTag(t *testing.T) {
	s, _ := newStore()
	s.Set("k1", "v", cache.Detail, "tagA")
	s.Set("k2", "v", cache.Detail, "tagA", "tagB")
	s.Set("k3", "v", cache.Detail, "tagC")

	assert.Equal(t, 2, s.Invalidate("tagA"))
	_, ok := s.Get("k1", cache.Detail)
	assert.False(t, ok)
	_, ok = s.Get("k2", cache.Detail)
	assert.False(t, ok)
	_, ok = s.Get("k3", cache.Detail)
	assert.True(t, ok)

	assert.Equal(t, 0, s.Invalidate("tagB"))
	assert.Equal(t, 0, s.Invalidate("unknown"))
}

func TestClear(t *testing.T) {
	s, _ := newStore()
	s.Set("a", 1, cache.List, "t")
	s.Set("b", 2, cache.Config, "t")
	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Invalidate("t"))
}

func TestGetAs(t *testing.T) {
	s, _ := newStore()
	s.Set("n", 42, cache.Config)
	n, ok := cache.GetAs[int](s, "n", cache.Config)
	require.True(t, ok)
	assert.Equal(t, 42, n)
	_, ok = cache.GetAs[string](s, "n", cache.Config)
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	s, clock := newStore()
	s.Set("b", map[string]int{"x": 1}, cache.List, "projects")
	s.Set("a", "hello", cache.Messages, "projects", "messages")
	clock.Advance(2 * time.Minute)
	s.Get("b", cache.List)
	s.Get("a", cache.Messages)

	snap := s.Snapshot(0)
	assert.Equal(t, 2, snap.Stats.Entries)
	assert.Equal(t, 1, snap.Stats.Live)
	assert.Equal(t, 1, snap.Stats.Expired)
	assert.Equal(t, int64(1), snap.Stats.Hits)
	assert.Equal(t, int64(1), snap.Stats.Misses)
	assert.InDelta(t, 0.5, snap.Stats.HitRate, 1e-9)
	assert.Equal(t, "1h0m0s", snap.Stats.TTL["config"])
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "a", snap.Entries[0].Key)
	assert.True(t, snap.Entries[0].Expired)
	assert.Equal(t, 7, snap.Entries[0].SizeBytes)
	assert.Equal(t, "7 B", snap.Entries[0].Size)
	assert.Equal(t, map[string]int{"projects": 2, "messages": 1}, snap.DependencyIndex)

	limited := s.Snapshot(1)
	assert.Len(t, limited.Entries, 1)
	assert.True(t, limited.Truncated)
	assert.Equal(t, 2, limited.Stats.Entries)
}

func TestConcurrentUseKeepsIndexConsistent(t *testing.T) {
	s, _ := newStore()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				s.Set(key, i, cache.Detail, "all", "w"+fmt.Sprint(w))
				s.Get(key, cache.Detail)
				if i%50 == 0 {
					s.Invalidate("w" + fmt.Sprint((w+1)%8))
				}
			}
		}()
	}
	wg.Wait()
	n := s.Len()
	assert.Equal(t, n, s.Invalidate("all"))
	assert.Equal(t, 0, s.Len())
}

func TestSweeperRunsOnInterval(t *testing.T) {
	s, clock := newStore()
	s.Set("k", 1, cache.Messages, "t")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&cache.Sweeper{Store: s, Interval: 10 * time.Minute, Clock: clock}).Run(ctx)
		close(done)
	}()
	clock.BlockUntil(1)
	clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
