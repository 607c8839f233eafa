// Package cache backs plugin persistent stores, admin tokens, the recent fault
// list and the notice channel. Redis is used when configured, an in-process
// implementation otherwise.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/hookhost/cache/local"
	cacheredis "github.com/kasuganosora/hookhost/cache/redis"
	"github.com/kasuganosora/hookhost/config"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Hash. HGetAll of a missing key is an empty map.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	// PushCapped prepends values and keeps at most max entries, newest first.
	PushCapped(ctx context.Context, key string, max int64, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// IsNotFound reports whether err is a missing key or field from either backend.
func IsNotFound(err error) bool {
	return errors.Is(err, local.ErrNotFound) || errors.Is(err, cacheredis.ErrNotFound)
}

type Message struct {
	Channel string
	Payload string
}

// PubSub delivers notices. Subscribe returns once the subscription is active,
// so a Publish that follows it is always seen.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// Backend is an opened cache and its notice channel.
type Backend struct {
	Cache  Cache
	PubSub PubSub
	// Remote is true when Redis serves both.
	Remote bool
	close  func() error
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to Redis when cfg.RedisAddr is set and falls back to the
// in-process backend otherwise.
func Open(cfg config.CacheConfig) (*Backend, error) {
	bufSize := cfg.LocalPubSubBuf
	if bufSize <= 0 {
		bufSize = 256
	}
	if cfg.RedisAddr != "" {
		client, err := cacheredis.Open(cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
			Buffer:   bufSize,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{
			Cache:  client,
			PubSub: &redisPubSub{c: client},
			Remote: true,
			close:  client.Close,
		}, nil
	}
	lc := local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
	return &Backend{
		Cache:  lc,
		PubSub: &localPubSub{ps: local.NewPubSub(bufSize)},
		close:  func() error { lc.Close(); return nil },
	}, nil
}

type localPubSub struct{ ps *local.PubSub }

func (a *localPubSub) Publish(ctx context.Context, channel, message string) error {
	return a.ps.Publish(ctx, channel, message)
}

func (a *localPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel := a.ps.Subscribe(channels...)
	return forward(in, func(m local.Message) *Message {
		return &Message{Channel: m.Channel, Payload: m.Payload}
	}), cancel, nil
}

type redisPubSub struct{ c *cacheredis.Client }

func (a *redisPubSub) Publish(ctx context.Context, channel, message string) error {
	return a.c.Publish(ctx, channel, message)
}

func (a *redisPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := a.c.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	return forward(in, func(m cacheredis.Message) *Message {
		return &Message{Channel: m.Channel, Payload: m.Payload}
	}), cancel, nil
}

func forward[T any](in <-chan T, conv func(T) *Message) <-chan *Message {
	out := make(chan *Message, cap(in))
	go func() {
		defer close(out)
		for msg := range in {
			out <- conv(msg)
		}
	}()
	return out
}
