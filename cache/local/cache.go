// Package local is the in-process cache used when no Redis is configured.
package local

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var ErrNotFound = errors.New("cache: key not found")

type Config struct {
	GCInterval time.Duration
}

type value struct {
	data     string
	expireAt time.Time // zero never expires
}

func (v value) expired(now time.Time) bool {
	return !v.expireAt.IsZero() && now.After(v.expireAt)
}

// Cache keeps keys, hashes and lists in maps behind one lock. Values are
// small and operations never call out while holding it.
type Cache struct {
	mu     sync.RWMutex
	kv     map[string]value
	hashes map[string]map[string]string
	lists  map[string][]string

	stop chan struct{}
	once sync.Once
}

// NewCache starts a sweeper that drops expired keys every cfg.GCInterval.
func NewCache(cfg Config) *Cache {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Cache{
		kv:     make(map[string]value),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		stop:   make(chan struct{}),
	}
	go c.sweep(interval)
	return c
}

func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) sweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			c.mu.Lock()
			for k, v := range c.kv {
				if v.expired(now) {
					delete(c.kv, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	v, ok := c.kv[key]
	c.mu.RUnlock()
	if !ok || v.expired(time.Now()) {
		return "", ErrNotFound
	}
	return v.data, nil
}

func (c *Cache) Set(_ context.Context, key, data string, ttl time.Duration) error {
	v := value{data: data}
	if ttl > 0 {
		v.expireAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.kv[key] = v
	c.mu.Unlock()
	return nil
}

// Del removes keys of any type.
func (c *Cache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.kv, k)
		delete(c.hashes, k)
		delete(c.lists, k)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := c.Get(ctx, key); err == nil {
		return true, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, h := c.hashes[key]
	_, l := c.lists[key]
	return h || l, nil
}

func (c *Cache) HSet(_ context.Context, key, field, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.hashes[key]
	if h == nil {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	h[field] = data
	return nil
}

func (c *Cache) HGet(_ context.Context, key, field string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (c *Cache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *Cache) HDel(_ context.Context, key string, fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(c.hashes, key)
	}
	return nil
}

func (c *Cache) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.hashes[key]
	if h == nil {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	var cur int64
	if v, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: hash field %s/%s is not an integer", key, field)
		}
		cur = parsed
	}
	cur += n
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (c *Cache) PushCapped(_ context.Context, key string, max int64, values ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := make([]string, 0, len(values)+len(c.lists[key]))
	for i := len(values) - 1; i >= 0; i-- {
		l = append(l, values[i])
	}
	l = append(l, c.lists[key]...)
	if max > 0 && int64(len(l)) > max {
		l = l[:max]
	}
	c.lists[key] = l
	return nil
}

// LRange follows Redis index rules; a negative stop counts from the end.
func (c *Cache) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.lists[key]
	n := int64(len(l))
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}
