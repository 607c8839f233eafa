package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kasuganosora/hookhost/audit"
	"github.com/kasuganosora/hookhost/cache"
	"github.com/kasuganosora/hookhost/model"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/scheduler"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

const (
	// NoticeChannel carries lifecycle and fault notices as JSON.
	NoticeChannel = "notices"
	// FaultListKey is the capped cache list of recent faults.
	FaultListKey = "faults:recent"

	DefaultDrainTimeout = 5 * time.Second
	faultListCap        = 200
)

// Options configures a Manager. Catalog, Registry, Sessions and Cache are
// required; the rest may be nil.
type Options struct {
	Catalog      *Catalog
	Registry     *hook.Registry
	Sessions     *session.Manager
	Cache        cache.Cache
	PubSub       cache.PubSub
	Scheduler    *scheduler.Scheduler
	Audit        *audit.Service
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// Entry names a plugin to load and its configuration.
type Entry struct {
	ID       string
	Settings Settings
}

// Notice is published on NoticeChannel.
type Notice struct {
	Type   string    `json:"type"`
	Plugin string    `json:"plugin"`
	Kind   string    `json:"kind,omitempty"`
	Error  string    `json:"error,omitempty"`
	Faults int       `json:"faults,omitempty"`
	At     time.Time `json:"at"`
}

const (
	NoticeLoaded     = "loaded"
	NoticeLoadFailed = "load_failed"
	NoticeUnloaded   = "unloaded"
	NoticeDegraded   = "degraded"
	NoticeCleared    = "cleared"
)

// FaultInfo is the stored form of a HandlerFault.
type FaultInfo struct {
	Plugin     string    `json:"plugin"`
	Kind       string    `json:"kind"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	ClientID   uint32    `json:"client_id,omitempty"`
	Error      string    `json:"error"`
	Panic      bool      `json:"panic"`
	At         time.Time `json:"at"`
}

// Manager loads, unloads and reloads plugins and tracks their health.
type Manager struct {
	catalog  *Catalog
	registry *hook.Registry
	sessions *session.Manager
	cache    cache.Cache
	pubsub   cache.PubSub
	sched    *scheduler.Scheduler
	audit    *audit.Service
	caps     *Capabilities
	drain    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	records map[string]*Record
	order   []string // load order of loaded plugins
	wg      sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	return &Manager{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		sessions: opts.Sessions,
		cache:    opts.Cache,
		pubsub:   opts.PubSub,
		sched:    opts.Scheduler,
		audit:    opts.Audit,
		caps:     NewCapabilities(),
		drain:    opts.DrainTimeout,
		logger:   opts.Logger.Named("plugin"),
		records:  make(map[string]*Record),
	}
}

func (m *Manager) Catalog() *Catalog           { return m.catalog }
func (m *Manager) Registry() *hook.Registry    { return m.registry }
func (m *Manager) Capabilities() *Capabilities { return m.caps }

// Get returns the record of id, if the plugin was ever loaded or attempted.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// List returns every record sorted by id.
func (m *Manager) List() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Loaded returns loaded plugin ids in load order.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Load instantiates and initialises one plugin. On failure nothing of the
// attempt stays registered and the record is left in StateFailed.
func (m *Manager) Load(ctx context.Context, id string, settings Settings) (*Record, error) {
	def, ok := m.catalog.Lookup(id)
	if !ok {
		err := loadErr(id, ReasonUnknownModule, ErrUnknownModule)
		m.logger.Warn("plugin load rejected", zap.String("plugin", id), zap.Error(err))
		m.auditLog(audit.Entry{Plugin: id, Action: model.ActionPluginLoadError, Error: err.Error()})
		return nil, err
	}

	m.mu.Lock()
	rec := m.records[id]
	if rec != nil && rec.State().busy() {
		m.mu.Unlock()
		return rec, loadErr(id, ReasonAlreadyLoaded, ErrAlreadyLoaded)
	}
	if rec == nil {
		rec = &Record{ID: id}
		m.records[id] = rec
	}
	rec.begin(def.Manifest, settings)
	var missing []string
	for _, req := range def.Manifest.Requires {
		if dep := m.records[req]; dep == nil || dep.State() != StateLoaded {
			missing = append(missing, req)
		}
	}
	m.mu.Unlock()

	start := time.Now()
	if len(missing) > 0 {
		return rec, m.fail(rec, nil, loadErr(id, ReasonMissingDependency,
			fmt.Errorf("%w: %s", ErrDependencyNotFound, strings.Join(missing, ", "))))
	}

	mod, err := construct(def)
	if err != nil {
		return rec, m.fail(rec, nil, loadErr(id, ReasonConstruct, err))
	}

	api := newAPI(m, rec)
	if err := callInit(ctx, mod, api); err != nil {
		api.finishInit()
		return rec, m.fail(rec, nil, loadErr(id, ReasonInit, err))
	}
	subs, errs := api.finishInit()
	if len(errs) > 0 {
		return rec, m.fail(rec, mod, loadErr(id, ReasonUnimplemented, errors.Join(errs...)))
	}
	for _, k := range def.Manifest.Events {
		if !slices.ContainsFunc(subs, func(s subscription) bool { return s.kind == k }) {
			return rec, m.fail(rec, mod, loadErr(id, ReasonUnimplemented, fmt.Errorf("%w: %s", ErrUnimplemented, k)))
		}
	}

	kinds := make([]hook.Kind, 0, len(subs))
	for _, s := range subs {
		if _, err := m.registry.Subscribe(s.kind, s.priority, id, s.handler); err != nil {
			return rec, m.fail(rec, mod, loadErr(id, ReasonSubscribe, err))
		}
		kinds = append(kinds, s.kind)
	}

	m.mu.Lock()
	rec.loaded(mod, kinds)
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("plugin loaded",
		zap.String("plugin", id),
		zap.String("version", def.Manifest.Version),
		zap.String("source", def.Manifest.Source),
		zap.Int("subscriptions", len(subs)),
		zap.Duration("took", time.Since(start)))
	m.auditLog(audit.Entry{
		Plugin:     id,
		Action:     model.ActionPluginLoad,
		Detail:     map[string]any{"version": def.Manifest.Version, "events": kinds},
		DurationMs: int(time.Since(start).Milliseconds()),
	})
	m.notify(Notice{Type: NoticeLoaded, Plugin: id})
	return rec, nil
}

func construct(def Definition) (mod Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	mod, err = def.New()
	if err == nil && mod == nil {
		err = errors.New("constructor returned nil module")
	}
	return mod, err
}

func callInit(ctx context.Context, mod Module, api *API) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return mod.Init(ctx, api)
}

func callShutdown(ctx context.Context, mod Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return mod.Shutdown(ctx)
}

// fail rolls back a load attempt. mod is shut down when its Init succeeded.
func (m *Manager) fail(rec *Record, mod Module, err *LoadError) error {
	m.registry.Unsubscribe(rec.ID)
	m.caps.RemoveOwner(rec.ID)
	if m.sched != nil {
		m.sched.RemoveOwner(rec.ID)
	}
	if mod != nil {
		if serr := callShutdown(context.Background(), mod); serr != nil {
			m.logger.Warn("plugin shutdown after failed load", zap.String("plugin", rec.ID), zap.Error(serr))
		}
	}
	rec.failed(err)
	m.logger.Error("plugin load failed",
		zap.String("plugin", rec.ID),
		zap.String("reason", string(err.Reason)),
		zap.Error(err.Err))
	m.auditLog(audit.Entry{
		Plugin: rec.ID,
		Action: model.ActionPluginLoadError,
		Detail: map[string]any{"reason": err.Reason},
		Error:  err.Err.Error(),
	})
	m.notify(Notice{Type: NoticeLoadFailed, Plugin: rec.ID, Error: err.Error()})
	return err
}

// Unload retires a plugin's subscriptions immediately and shuts the module
// down once its in-flight handlers returned. Called from one of the
// plugin's own handlers, it returns at once and completes after that
// handler unwinds. If draining exceeds the drain timeout ErrDrainTimeout is
// returned and the shutdown finishes in the background.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.State() != StateLoaded {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s: %w", id, ErrNotLoaded)
	}
	if deps := m.dependentsLocked(id); len(deps) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s: %w: %s", id, ErrInUse, strings.Join(deps, ", "))
	}
	rec.setState(StateUnloading)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.mu.Unlock()

	m.registry.Unsubscribe(id)
	m.caps.RemoveOwner(id)
	if m.sched != nil {
		m.sched.RemoveOwner(id)
	}

	if hook.OnStack(ctx, id) {
		m.logger.Info("plugin unload deferred until its handler returns", zap.String("plugin", id))
		m.background(func() { m.release(context.Background(), rec) })
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, m.drain)
	defer cancel()
	if err := m.registry.Drain(dctx, id); err != nil {
		m.logger.Warn("plugin drain timed out",
			zap.String("plugin", id),
			zap.Int("in_flight", m.registry.InFlight(id)),
			zap.Duration("timeout", m.drain))
		m.background(func() { m.release(context.Background(), rec) })
		return fmt.Errorf("plugin %s: %w", id, ErrDrainTimeout)
	}
	m.finish(ctx, rec)
	return nil
}

func (m *Manager) background(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) release(ctx context.Context, rec *Record) {
	if err := m.registry.Drain(ctx, rec.ID); err != nil {
		m.logger.Error("plugin drain failed", zap.String("plugin", rec.ID), zap.Error(err))
		return
	}
	m.finish(ctx, rec)
}

func (m *Manager) finish(ctx context.Context, rec *Record) {
	mod := rec.released()
	if mod != nil {
		if err := callShutdown(ctx, mod); err != nil {
			m.logger.Warn("plugin shutdown error", zap.String("plugin", rec.ID), zap.Error(err))
		}
	}
	m.logger.Info("plugin unloaded", zap.String("plugin", rec.ID))
	m.auditLog(audit.Entry{Plugin: rec.ID, Action: model.ActionPluginUnload})
	m.notify(Notice{Type: NoticeUnloaded, Plugin: rec.ID})
}

func (m *Manager) dependentsLocked(id string) []string {
	var out []string
	for _, other := range m.order {
		if other == id {
			continue
		}
		if slices.Contains(m.records[other].Manifest().Requires, id) {
			out = append(out, other)
		}
	}
	return out
}

// Reload unloads id and loads it again with the same settings. The new
// instance starts from fresh private state. Called from the plugin's own
// handler, the reload happens after that handler returns.
func (m *Manager) Reload(ctx context.Context, id string) error {
	rec, ok := m.Get(id)
	if !ok || rec.State() != StateLoaded {
		return fmt.Errorf("plugin %s: %w", id, ErrNotLoaded)
	}
	if hook.OnStack(ctx, id) {
		m.background(func() {
			if err := m.reload(context.Background(), rec); err != nil {
				m.logger.Error("deferred plugin reload failed", zap.String("plugin", id), zap.Error(err))
			}
		})
		return nil
	}
	return m.reload(ctx, rec)
}

func (m *Manager) reload(ctx context.Context, rec *Record) error {
	settings := rec.Settings()
	if err := m.Unload(ctx, rec.ID); err != nil {
		return err
	}
	// Unload from a background goroutine never defers, so the module is
	// shut down by the time it returns.
	if _, err := m.Load(ctx, rec.ID, settings); err != nil {
		return err
	}
	m.logger.Info("plugin reloaded", zap.String("plugin", rec.ID))
	m.auditLog(audit.Entry{Plugin: rec.ID, Action: model.ActionPluginReload})
	return nil
}

// LoadAll loads entries in dependency order. Each failure is reported and
// the remaining plugins still load.
func (m *Manager) LoadAll(ctx context.Context, entries []Entry) error {
	ordered, cyclic := m.sortEntries(entries)
	var errs []error
	for _, id := range cyclic {
		err := loadErr(id, ReasonMissingDependency, ErrCyclicDependency)
		m.logger.Error("plugin load failed", zap.String("plugin", id), zap.Error(err))
		errs = append(errs, err)
	}
	for _, e := range ordered {
		if _, err := m.Load(ctx, e.ID, e.Settings); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sortEntries orders entries so requirements come first, keeping the
// configured order otherwise. Entries on or behind a cycle are returned
// separately.
func (m *Manager) sortEntries(entries []Entry) (ordered []Entry, cyclic []string) {
	const (
		visiting = 1
		done     = 2
	)
	index := make(map[string]Entry, len(entries))
	for _, e := range entries {
		index[e.ID] = e
	}
	state := make(map[string]int, len(entries))
	bad := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case done:
			return !bad[id]
		}
		state[id] = visiting
		ok := true
		if def, found := m.catalog.Lookup(id); found {
			for _, req := range def.Manifest.Requires {
				if _, listed := index[req]; listed && !visit(req) {
					ok = false
				}
			}
		}
		state[id] = done
		if !ok {
			bad[id] = true
			cyclic = append(cyclic, id)
			return false
		}
		ordered = append(ordered, index[id])
		return true
	}
	for _, e := range entries {
		visit(e.ID)
	}
	return ordered, cyclic
}

// UnloadAll unloads every plugin in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) error {
	var errs []error
	ids := m.Loaded()
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, ids[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until deferred unloads and reloads finished.
func (m *Manager) Wait() { m.wg.Wait() }

// ReportFault marks the faulting plugin degraded. The plugin stays loaded.
func (m *Manager) ReportFault(f *hook.HandlerFault) {
	rec, ok := m.Get(f.Plugin)
	if !ok {
		m.logger.Warn("fault from unknown plugin", zap.String("plugin", f.Plugin), zap.Error(f))
		return
	}
	n := rec.markFault(f)
	fields := []zap.Field{
		zap.String("plugin", f.Plugin),
		zap.String("kind", string(f.Kind)),
		zap.String("dispatch_id", f.DispatchID),
		zap.Uint32("client", f.ClientID),
		zap.Int("faults", n),
		zap.Error(f.Err),
	}
	if f.Panic {
		fields = append(fields, zap.ByteString("stack", f.Stack))
	}
	m.logger.Warn("plugin degraded", fields...)
	m.auditLog(audit.Entry{
		TraceID:  f.DispatchID,
		Plugin:   f.Plugin,
		Kind:     string(f.Kind),
		ClientID: f.ClientID,
		Action:   model.ActionPluginFault,
		Detail:   map[string]any{"panic": f.Panic, "faults": n},
		Error:    f.Err.Error(),
	})

	info := FaultInfo{
		Plugin:     f.Plugin,
		Kind:       string(f.Kind),
		DispatchID: f.DispatchID,
		ClientID:   f.ClientID,
		Error:      f.Err.Error(),
		Panic:      f.Panic,
		At:         f.At,
	}
	go m.storeFault(info)
	m.notify(Notice{Type: NoticeDegraded, Plugin: f.Plugin, Kind: string(f.Kind), Error: info.Error, Faults: n})
}

func (m *Manager) storeFault(info FaultInfo) {
	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cache.PushCapped(ctx, FaultListKey, faultListCap, string(raw)); err != nil {
		m.logger.Warn("store fault", zap.Error(err))
	}
}

// RecentFaults returns up to limit stored faults, newest first.
func (m *Manager) RecentFaults(ctx context.Context, limit int) ([]FaultInfo, error) {
	if limit <= 0 || limit > faultListCap {
		limit = faultListCap
	}
	raw, err := m.cache.LRange(ctx, FaultListKey, 0, int64(limit-1))
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]FaultInfo, 0, len(raw))
	for _, s := range raw {
		var fi FaultInfo
		if json.Unmarshal([]byte(s), &fi) == nil {
			out = append(out, fi)
		}
	}
	return out, nil
}

// ClearDegraded resets the degraded flag of id. Fault counters stay.
func (m *Manager) ClearDegraded(id string) error {
	rec, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("plugin %s: %w", id, ErrNotLoaded)
	}
	if rec.clearDegraded() {
		m.logger.Info("plugin degraded flag cleared", zap.String("plugin", id))
		m.auditLog(audit.Entry{Plugin: id, Action: model.ActionPluginCleared})
		m.notify(Notice{Type: NoticeCleared, Plugin: id})
	}
	return nil
}

func (m *Manager) auditLog(e audit.Entry) {
	if m.audit != nil {
		m.audit.Log(e)
	}
}

func (m *Manager) notify(n Notice) {
	if m.pubsub == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.pubsub.Publish(ctx, NoticeChannel, string(raw)); err != nil {
			m.logger.Debug("publish notice", zap.String("type", n.Type), zap.Error(err))
		}
	}()
}
