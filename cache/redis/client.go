// Package redis serves the cache and the notice channel from one Redis
// connection pool. Keys and channels carry a prefix so several hosts can share
// a server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("cache: key not found")

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Buffer   int
}

type Client struct {
	rdb    *goredis.Client
	prefix string
	buffer int
}

// Open pings the server before returning.
func Open(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Client{rdb: rdb, prefix: cfg.Prefix, buffer: cfg.Buffer}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) k(key string) string { return c.prefix + key }

func notFound(err error) error {
	if errors.Is(err, goredis.Nil) {
		return ErrNotFound
	}
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.k(key)).Result()
	return v, notFound(err)
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.k(key), value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.k(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.k(key)).Result()
	return n > 0, err
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, c.k(key), field, value).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, c.k(key), field).Result()
	return v, notFound(err)
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.k(key)).Result()
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, c.k(key), field, n).Result()
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, c.k(key), fields...).Err()
}

// PushCapped runs LPUSH and LTRIM in one MULTI block.
func (c *Client) PushCapped(ctx context.Context, key string, max int64, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	full := c.k(key)
	_, err := c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, full, args...)
		if max > 0 {
			p.LTrim(ctx, full, 0, max-1)
		}
		return nil
	})
	return err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, c.k(key), start, stop).Result()
}

type Message struct {
	Channel string
	Payload string
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, c.k(channel), message).Err()
}

// Subscribe waits for the server to confirm the subscription.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = c.k(ch)
	}
	ps := c.rdb.Subscribe(ctx, full...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", strings.Join(channels, ","), err)
	}
	out := make(chan Message, c.buffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- Message{Channel: strings.TrimPrefix(msg.Channel, c.prefix), Payload: msg.Payload}
		}
	}()
	return out, func() { _ = ps.Close() }, nil
}
