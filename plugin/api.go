package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

// API is what a module sees of the host. One API is created per load.
type API struct {
	m      *Manager
	rec    *Record
	logger *zap.Logger

	mu      sync.Mutex
	initing bool
	pending []subscription
	errs    []error
}

type subscription struct {
	kind     hook.Kind
	priority int
	handler  hook.Handler
}

func newAPI(m *Manager, rec *Record) *API {
	return &API{
		m:       m,
		rec:     rec,
		logger:  m.logger.Named(rec.ID),
		initing: true,
	}
}

// ID returns the plugin id.
func (a *API) ID() string { return a.rec.ID }

// Subscribe registers handler for kind. During Init the registration takes
// effect only if the whole load succeeds.
func (a *API) Subscribe(kind hook.Kind, priority int, handler hook.Handler) error {
	var err error
	if _, ok := hook.Describe(kind); !ok {
		err = fmt.Errorf("%w: %q", hook.ErrUnknownKind, kind)
	} else if handler == nil {
		err = fmt.Errorf("%w: %s", ErrUnimplemented, kind)
	}

	a.mu.Lock()
	if a.initing {
		defer a.mu.Unlock()
		if err != nil {
			a.errs = append(a.errs, err)
			return err
		}
		a.pending = append(a.pending, subscription{kind: kind, priority: priority, handler: handler})
		return nil
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	if a.rec.State() != StateLoaded {
		return fmt.Errorf("plugin %s: %w", a.rec.ID, ErrNotLoaded)
	}
	if _, err := a.m.registry.Subscribe(kind, priority, a.rec.ID, handler); err != nil {
		return err
	}
	a.rec.addKind(kind)
	return nil
}

// finishInit ends the Init phase and hands back what was declared.
func (a *API) finishInit() ([]subscription, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initing = false
	subs, errs := a.pending, a.errs
	a.pending, a.errs = nil, nil
	return subs, errs
}

// Settings returns the plugin's configuration.
func (a *API) Settings() Settings { return a.rec.Settings() }

// State returns the private state of this load.
func (a *API) State() *PrivateState { return a.rec.Private() }

// Store returns the plugin's persistent store.
func (a *API) Store() *Store { return newStore(a.m.cache, a.rec.ID) }

// Sessions returns the shared session table.
func (a *API) Sessions() *session.Manager { return a.m.sessions }

func (a *API) Logger() *zap.Logger { return a.logger }

// Export publishes a capability table other plugins can import by name.
func (a *API) Export(name string, table any) error {
	return a.m.caps.Export(a.rec.ID, name, table)
}

// Import looks up a table exported by plugin. plugin must be listed in the
// manifest's Requires so it cannot be unloaded underneath the importer.
func (a *API) Import(plugin, name string) (any, error) {
	if !slices.Contains(a.rec.Manifest().Requires, plugin) {
		return nil, fmt.Errorf("plugin %s: import %s.%s: %w", a.rec.ID, plugin, name, ErrUndeclaredDependency)
	}
	return a.m.caps.Lookup(plugin, name)
}

// Import is the typed form of API.Import.
func Import[T any](api *API, plugin, name string) (T, error) {
	var zero T
	v, err := api.Import(plugin, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("plugin %s: capability %s.%s is %T", api.ID(), plugin, name, v)
	}
	return t, nil
}

// Every runs fn on a fixed interval until the plugin unloads. A panicking
// timer is reported like a handler fault.
func (a *API) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if a.m.sched == nil {
		return fmt.Errorf("plugin %s: no scheduler", a.rec.ID)
	}
	if interval <= 0 {
		return fmt.Errorf("plugin %s: timer %s: interval must be positive", a.rec.ID, name)
	}
	a.m.sched.AddOwnedTicker(a.rec.ID, name, interval, a.timer(name, fn))
	return nil
}

// After runs fn once after delay unless the plugin unloads first.
func (a *API) After(name string, delay time.Duration, fn func(ctx context.Context)) error {
	if a.m.sched == nil {
		return fmt.Errorf("plugin %s: no scheduler", a.rec.ID)
	}
	a.m.sched.AddOwnedDelay(a.rec.ID, name, delay, a.timer(name, fn))
	return nil
}

func (a *API) timer(name string, fn func(ctx context.Context)) func() {
	id := a.rec.ID
	return func() {
		release := a.m.registry.Acquire(id)
		defer release()
		defer func() {
			if r := recover(); r != nil {
				a.m.ReportFault(&hook.HandlerFault{
					Plugin: id,
					Kind:   hook.Kind("timer:" + name),
					Err:    fmt.Errorf("timer panicked: %v", r),
					Panic:  true,
					Stack:  debug.Stack(),
					At:     time.Now(),
				})
			}
		}()
		fn(context.Background())
	}
}
