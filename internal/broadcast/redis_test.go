package broadcast_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthboard/internal/broadcast"
	"healthboard/internal/cache"
)

const channel = "healthboard:invalidate"

func newPeer(t *testing.T, mr *miniredis.Miniredis) *broadcast.Redis {
	t.Helper()
	r := broadcast.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), channel)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type recorder struct {
	mu   sync.Mutex
	tags [][]string
}

func (r *recorder) add(tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tags)
}

func (r *recorder) all() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.tags...)
}

func TestPeersReceiveOthersButNotOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newPeer(t, mr), newPeer(t, mr)
	ctx := context.Background()

	var gotA, gotB recorder
	subA, err := a.Subscribe(ctx, gotA.add)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx, gotB.add)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, a.Publish(ctx, "projects", "project:1"))

	assert.Eventually(t, func() bool { return len(gotB.all()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]string{{"projects", "project:1"}}, gotB.all())
	assert.Empty(t, gotA.all())
	assert.NotEqual(t, a.Origin(), b.Origin())
}

func TestPublishWithoutTagsIsNoop(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newPeer(t, mr)
	require.NoError(t, a.Publish(context.Background()))
}

func TestRunInvalidatesStore(t *testing.T) {
	mr := miniredis.RunT(t)
	local, remote := newPeer(t, mr), newPeer(t, mr)
	store := cache.New(cache.DefaultTTLs(), nil)
	store.Set("project:1", "detail", cache.Detail, "projects", "project:1")
	store.Set("contacts", "c", cache.Config, "config")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- local.Run(ctx, store) }()

	// Run subscribes asynchronously; publish until the entry is gone.
	assert.Eventually(t, func() bool {
		_ = remote.Publish(context.Background(), "projects")
		_, ok := store.Get("project:1", cache.Detail)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
	_, ok := store.Get("contacts", cache.Config)
	assert.True(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := broadcast.NewRedis("not a url", channel)
	assert.Error(t, err)
}
