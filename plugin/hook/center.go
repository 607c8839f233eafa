// Package hook keeps the per-event handler registry and runs dispatch passes
// over it.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrNilHandler  = errors.New("nil handler")
)

// Handler is a plugin callback for one Kind. Returning an error or panicking
// is a fault: the pass continues as if the handler returned Continue.
type Handler func(ctx context.Context, call *Call) (Outcome, error)

// Entry is one plugin's registration for a Kind.
type Entry struct {
	Kind     Kind
	Priority int
	Plugin   string
	Handler  Handler

	seq     uint64
	retired atomic.Bool
}

// Seq is the registration order used to break priority ties.
func (e *Entry) Seq() uint64 { return e.seq }

// flight counts a plugin's handlers currently on a call stack.
type flight struct {
	n    int
	idle chan struct{}
}

// Registry maintains the ordered handler lists per Kind.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind][]*Entry
	seq     uint64

	fmu     sync.Mutex
	flights map[string]*flight
	retired map[string]bool

	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[Kind][]*Entry),
		flights: make(map[string]*flight),
		retired: make(map[string]bool),
		logger:  logger,
	}
}

// Subscribe adds handler for kind. Lower priority runs first; equal
// priorities run in registration order.
func (r *Registry) Subscribe(kind Kind, priority int, plugin string, handler Handler) (*Entry, error) {
	if _, ok := Describe(kind); !ok {
		return nil, fmt.Errorf("hook: subscribe %q: %w", kind, ErrUnknownKind)
	}
	if handler == nil {
		return nil, fmt.Errorf("hook: subscribe %s for %s: %w", kind, plugin, ErrNilHandler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := &Entry{Kind: kind, Priority: priority, Plugin: plugin, Handler: handler, seq: r.seq}
	entries := append(r.entries[kind], e)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].seq < entries[j].seq
	})
	r.entries[kind] = entries
	r.logger.Debug("handler subscribed",
		zap.String("kind", string(kind)),
		zap.String("plugin", plugin),
		zap.Int("priority", priority))
	return e, nil
}

// Unsubscribe hides every entry of plugin from future snapshots. Entries are
// dropped from the lists once no handler of the plugin is running; a snapshot
// already taken keeps them.
func (r *Registry) Unsubscribe(plugin string) {
	r.mu.RLock()
	n := 0
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.Plugin == plugin && !e.retired.Load() {
				e.retired.Store(true)
				n++
			}
		}
	}
	r.mu.RUnlock()

	r.fmu.Lock()
	busy := r.flights[plugin] != nil && r.flights[plugin].n > 0
	if busy {
		r.retired[plugin] = true
	}
	r.fmu.Unlock()

	if !busy {
		r.purge(plugin)
	}
	r.logger.Debug("handlers unsubscribed",
		zap.String("plugin", plugin),
		zap.Int("count", n),
		zap.Bool("deferred", busy))
}

// purge physically removes retired entries of plugin.
func (r *Registry) purge(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, entries := range r.entries {
		n := 0
		for _, e := range entries {
			if !(e.Plugin == plugin && e.retired.Load()) {
				entries[n] = e
				n++
			}
		}
		for i := n; i < len(entries); i++ {
			entries[i] = nil
		}
		if n == 0 {
			delete(r.entries, kind)
		} else {
			r.entries[kind] = entries[:n]
		}
	}
}

// Snapshot returns the live entries for kind in dispatch order. The returned
// slice is never modified by the Registry.
func (r *Registry) Snapshot(kind Kind) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.entries[kind]
	out := make([]*Entry, 0, len(src))
	for _, e := range src {
		if !e.retired.Load() {
			out = append(out, e)
		}
	}
	return out
}

// Subscribed reports whether plugin has any live entry.
func (r *Registry) Subscribed(plugin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entries := range r.entries {
		for _, e := range entries {
			if e.Plugin == plugin && !e.retired.Load() {
				return true
			}
		}
	}
	return false
}

// EntryInfo is the introspection view of an Entry.
type EntryInfo struct {
	Plugin   string `json:"plugin"`
	Priority int    `json:"priority"`
	Seq      uint64 `json:"seq"`
}

// Introspect returns the live registrations of every kind that has any.
func (r *Registry) Introspect() map[Kind][]EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Kind][]EntryInfo, len(r.entries))
	for kind, entries := range r.entries {
		for _, e := range entries {
			if e.retired.Load() {
				continue
			}
			out[kind] = append(out[kind], EntryInfo{Plugin: e.Plugin, Priority: e.Priority, Seq: e.seq})
		}
	}
	return out
}

// Acquire records that a handler of plugin is about to run. The returned
// function must be called when it returns.
func (r *Registry) Acquire(plugin string) (release func()) {
	r.fmu.Lock()
	f := r.flights[plugin]
	if f == nil {
		f = &flight{}
		r.flights[plugin] = f
	}
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	r.fmu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.release(plugin) }) }
}

func (r *Registry) release(plugin string) {
	r.fmu.Lock()
	f := r.flights[plugin]
	f.n--
	if f.n > 0 {
		r.fmu.Unlock()
		return
	}
	close(f.idle)
	delete(r.flights, plugin)
	pending := r.retired[plugin]
	delete(r.retired, plugin)
	r.fmu.Unlock()

	if pending {
		r.purge(plugin)
	}
}

// InFlight returns how many handlers of plugin are on a call stack.
func (r *Registry) InFlight(plugin string) int {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	if f := r.flights[plugin]; f != nil {
		return f.n
	}
	return 0
}

// Drain waits until no handler of plugin is running.
func (r *Registry) Drain(ctx context.Context, plugin string) error {
	r.fmu.Lock()
	f := r.flights[plugin]
	if f == nil || f.n == 0 {
		r.fmu.Unlock()
		return nil
	}
	idle := f.idle
	r.fmu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hook: drain %s: %w", plugin, ctx.Err())
	}
}
