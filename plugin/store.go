package plugin

import (
	"context"
	"sync"

	"github.com/kasuganosora/hookhost/cache"
)

// PrivateState is a plugin's in-memory state. A new one is created on every
// load, so nothing survives Unload or Reload.
type PrivateState struct {
	mu   sync.Mutex
	vals map[string]any
}

func newPrivateState() *PrivateState {
	return &PrivateState{vals: make(map[string]any)}
}

func (p *PrivateState) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vals[key]
	return v, ok
}

func (p *PrivateState) Set(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vals[key] = v
}

func (p *PrivateState) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vals, key)
}

// Add increments an integer counter and returns the new value.
func (p *PrivateState) Add(key string, n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, _ := p.vals[key].(int64)
	cur += n
	p.vals[key] = cur
	return cur
}

// Counter returns the value of an Add counter.
func (p *PrivateState) Counter(key string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.vals[key].(int64)
	return v
}

func (p *PrivateState) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vals)
}

// Store is a plugin's persistent key/value hash in the cache backend. It
// survives reloads; plugins use it for anything they must keep.
type Store struct {
	c   cache.Cache
	key string
}

func newStore(c cache.Cache, plugin string) *Store {
	return &Store{c: c, key: "plugin:" + plugin}
}

// Get returns the value of field. A missing field yields ok false.
func (s *Store) Get(ctx context.Context, field string) (value string, ok bool, err error) {
	v, err := s.c.HGet(ctx, s.key, field)
	if err != nil {
		if cache.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, field, value string) error {
	return s.c.HSet(ctx, s.key, field, value)
}

func (s *Store) Delete(ctx context.Context, fields ...string) error {
	return s.c.HDel(ctx, s.key, fields...)
}

func (s *Store) Incr(ctx context.Context, field string, n int64) (int64, error) {
	return s.c.HIncrBy(ctx, s.key, field, n)
}

func (s *Store) All(ctx context.Context) (map[string]string, error) {
	return s.c.HGetAll(ctx, s.key)
}
