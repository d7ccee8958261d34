// Package broadcast fans cache invalidations out to other dashboard
// instances over Redis pub/sub. Delivery is at most once; a missed message
// only means a peer serves its cached copy until the TTL runs out.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.trai.ch/zerr"

	"healthboard/internal/cache"
)

// Message is the payload published on the channel.
type Message struct {
	Origin string   `json:"origin"`
	Tags   []string `json:"tags"`
}

// Redis publishes and receives invalidation messages on one channel. Each
// value gets its own origin id so an instance ignores its own messages.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	Logger  *slog.Logger
}

// NewRedis connects to the redis URL (redis://host:port/db).
func NewRedis(url, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "parse redis url"), "url", url)
	}
	return NewRedisClient(redis.NewClient(opts), channel), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel, origin: uuid.NewString()}
}

func (r *Redis) Origin() string { return r.origin }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Publish announces that tags were invalidated on this instance.
func (r *Redis) Publish(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	payload, err := json.Marshal(Message{Origin: r.origin, Tags: tags})
	if err != nil {
		return zerr.Wrap(err, "encode invalidation")
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return zerr.With(zerr.Wrap(err, "publish invalidation"), "channel", r.channel)
	}
	return nil
}

// Subscription is a live channel subscription. Close stops it and waits for
// the receive loop to exit.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe calls fn with the tags of every message published by another
// origin. It returns once the subscription is confirmed by the server.
func (r *Redis) Subscribe(ctx context.Context, fn func(tags []string)) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, zerr.With(zerr.Wrap(err, "subscribe"), "channel", r.channel)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger().Warn("invalid invalidation message", "channel", r.channel, "error", err)
					continue
				}
				if m.Origin == r.origin || len(m.Tags) == 0 {
					continue
				}
				fn(m.Tags)
			}
		}
	}()
	return sub, nil
}

// Run applies remote invalidations to store until ctx is done.
func (r *Redis) Run(ctx context.Context, store *cache.Store) error {
	sub, err := r.Subscribe(ctx, func(tags []string) {
		removed := 0
		for _, tag := range tags {
			removed += store.Invalidate(tag)
		}
		r.logger().Info("remote invalidation", "tags", tags, "removed", removed)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}
