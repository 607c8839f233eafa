package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/hookhost/cache"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/scheduler"
	"github.com/kasuganosora/hookhost/session"
	"github.com/kasuganosora/hookhost/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeModule runs init against the API and counts shutdowns.
type fakeModule struct {
	init      func(ctx context.Context, api *API) error
	shutdowns *atomic.Int32
}

func (f *fakeModule) Init(ctx context.Context, api *API) error {
	if f.init == nil {
		return nil
	}
	return f.init(ctx, api)
}

func (f *fakeModule) Shutdown(context.Context) error {
	if f.shutdowns != nil {
		f.shutdowns.Add(1)
	}
	return nil
}

type rig struct {
	m     *Manager
	d     *hook.Dispatcher
	sm    *session.Manager
	cat   *Catalog
	cache cache.Cache
	ps    cache.PubSub
	sched *scheduler.Scheduler
}

func newRig(t *testing.T, drain time.Duration) *rig {
	t.Helper()
	c, ps := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	reg := hook.NewRegistry(logger)
	sm := session.NewManager(session.DefaultMaxClients, logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)
	cat := NewCatalog()
	m := NewManager(Options{
		Catalog:      cat,
		Registry:     reg,
		Sessions:     sm,
		Cache:        c,
		PubSub:       ps,
		Scheduler:    sched,
		DrainTimeout: drain,
		Logger:       logger,
	})
	d := hook.NewDispatcher(reg, sm, logger, hook.WithFaultReporter(m))
	return &rig{m: m, d: d, sm: sm, cat: cat, cache: c, ps: ps, sched: sched}
}

func (r *rig) define(t *testing.T, man Manifest, init func(ctx context.Context, api *API) error) *atomic.Int32 {
	t.Helper()
	var shutdowns atomic.Int32
	require.NoError(t, r.cat.Register(Definition{
		Manifest: man,
		New: func() (Module, error) {
			return &fakeModule{init: init, shutdowns: &shutdowns}, nil
		},
	}))
	return &shutdowns
}

func continueOn(kind hook.Kind, hits *atomic.Int32) func(context.Context, *API) error {
	return func(_ context.Context, api *API) error {
		return api.Subscribe(kind, 0, func(context.Context, *hook.Call) (hook.Outcome, error) {
			hits.Add(1)
			return hook.Continue(), nil
		})
	}
}

func hostCall(result any) hook.Original {
	return func(context.Context, hook.Args) any { return result }
}

func TestLoad_SubscribesHandlers(t *testing.T) {
	r := newRig(t, time.Second)
	var hits atomic.Int32
	r.define(t, Manifest{ID: "greeter", Version: "1.0", Events: []hook.Kind{hook.Connect}}, continueOn(hook.Connect, &hits))

	rec, err := r.m.Load(context.Background(), "greeter", nil)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, rec.State())

	out := r.d.Dispatch(context.Background(), hook.Connect, &hook.ConnectArgs{}, hostCall(hook.Accept))
	assert.Equal(t, hook.Accept, out)
	assert.Equal(t, int32(1), hits.Load())

	info := rec.Info()
	assert.Equal(t, []hook.Kind{hook.Connect}, info.Events)
	assert.Equal(t, 1, info.Loads)
	assert.Equal(t, "native", info.Source)
	assert.NotNil(t, info.LoadedAt)
	assert.Equal(t, []string{"greeter"}, r.m.Loaded())
}

func TestLoad_Failures(t *testing.T) {
	r := newRig(t, time.Second)
	var hits atomic.Int32
	r.define(t, Manifest{ID: "ok"}, continueOn(hook.Damage, &hits))
	_, err := r.m.Load(context.Background(), "ok", nil)
	require.NoError(t, err)

	lazy := r.define(t, Manifest{ID: "lazy", Events: []hook.Kind{hook.Damage, hook.Chat}}, continueOn(hook.Damage, &hits))
	r.define(t, Manifest{ID: "orphan", Requires: []string{"absent"}}, continueOn(hook.Damage, &hits))
	r.define(t, Manifest{ID: "broken"}, func(_ context.Context, api *API) error {
		_ = api.Subscribe(hook.Damage, 0, func(context.Context, *hook.Call) (hook.Outcome, error) {
			return hook.Continue(), nil
		})
		return errors.New("bad config")
	})
	r.define(t, Manifest{ID: "panicky"}, func(context.Context, *API) error { panic("boom") })
	r.define(t, Manifest{ID: "nilhandler"}, func(_ context.Context, api *API) error {
		_ = api.Subscribe(hook.Damage, 0, nil)
		return nil
	})

	tests := []struct {
		id     string
		reason LoadReason
		target error
	}{
		{"missing", ReasonUnknownModule, ErrUnknownModule},
		{"ok", ReasonAlreadyLoaded, ErrAlreadyLoaded},
		{"lazy", ReasonUnimplemented, ErrUnimplemented},
		{"orphan", ReasonMissingDependency, ErrDependencyNotFound},
		{"broken", ReasonInit, nil},
		{"panicky", ReasonInit, nil},
		{"nilhandler", ReasonUnimplemented, ErrUnimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := r.m.Load(context.Background(), tt.id, nil)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.reason, le.Reason)
			assert.Equal(t, tt.id, le.Plugin)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			if tt.id != "ok" {
				assert.False(t, r.m.Registry().Subscribed(tt.id), "failed load must leave no subscription")
			}
		})
	}

	// The module whose Init succeeded is shut down again.
	assert.Equal(t, int32(1), lazy.Load())
	rec, _ := r.m.Get("lazy")
	assert.Equal(t, StateFailed, rec.State())
	assert.NotEmpty(t, rec.Info().LastError)

	// Failures did not disturb the loaded plugin.
	r.d.Dispatch(context.Background(), hook.Damage, &hook.DamageArgs{Amount: 1}, hostCall(float32(1)))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []string{"ok"}, r.m.Loaded())
}

func TestUnload(t *testing.T) {
	r := newRig(t, time.Second)
	var hits atomic.Int32
	shutdowns := r.define(t, Manifest{ID: "p"}, continueOn(hook.Damage, &hits))
	_, err := r.m.Load(context.Background(), "p", nil)
	require.NoError(t, err)

	require.NoError(t, r.m.Unload(context.Background(), "p"))
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.False(t, r.m.Registry().Subscribed("p"))

	r.d.Dispatch(context.Background(), hook.Damage, &hook.DamageArgs{Amount: 1}, hostCall(float32(1)))
	assert.Zero(t, hits.Load())

	rec, _ := r.m.Get("p")
	assert.Equal(t, StateUnloaded, rec.State())
	assert.Nil(t, rec.Private())
	assert.ErrorIs(t, r.m.Unload(context.Background(), "p"), ErrNotLoaded)
	assert.ErrorIs(t, r.m.Unload(context.Background(), "never"), ErrNotLoaded)
}

func TestUnload_RefusedWhileRequired(t *testing.T) {
	r := newRig(t, time.Second)
	r.define(t, Manifest{ID: "base"}, nil)
	r.define(t, Manifest{ID: "addon", Requires: []string{"base"}}, nil)
	ctx := context.Background()
	_, err := r.m.Load(ctx, "base", nil)
	require.NoError(t, err)
	_, err = r.m.Load(ctx, "addon", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.m.Unload(ctx, "base"), ErrInUse)
	require.NoError(t, r.m.Unload(ctx, "addon"))
	require.NoError(t, r.m.Unload(ctx, "base"))
}

func TestUnload_FromOwnHandlerIsDeferred(t *testing.T) {
	r := newRig(t, time.Second)
	var unloadErr error
	var unloading bool
	shutdowns := r.define(t, Manifest{ID: "quitter"}, func(_ context.Context, api *API) error {
		return api.Subscribe(hook.Chat, 0, func(ctx context.Context, call *hook.Call) (hook.Outcome, error) {
			unloadErr = r.m.Unload(ctx, "quitter")
			unloading = stateOf(r, "quitter") == StateUnloading
			return hook.Skip(), nil
		})
	})
	_, err := r.m.Load(context.Background(), "quitter", nil)
	require.NoError(t, err)

	out := r.d.Dispatch(context.Background(), hook.Chat, &hook.ChatArgs{Message: "bye"}, hostCall(nil))
	assert.Nil(t, out)
	require.NoError(t, unloadErr)
	assert.True(t, unloading, "module must stay alive while its handler runs")

	r.m.Wait()
	assert.Equal(t, int32(1), shutdowns.Load())
	rec, _ := r.m.Get("quitter")
	assert.Equal(t, StateUnloaded, rec.State())
}

func stateOf(r *rig, id string) State {
	rec, _ := r.m.Get(id)
	return rec.State()
}

func TestUnload_DrainTimeout(t *testing.T) {
	r := newRig(t, 30*time.Millisecond)
	entered := make(chan struct{})
	gate := make(chan struct{})
	shutdowns := r.define(t, Manifest{ID: "slow"}, func(_ context.Context, api *API) error {
		return api.Subscribe(hook.Damage, 0, func(context.Context, *hook.Call) (hook.Outcome, error) {
			close(entered)
			<-gate
			return hook.Continue(), nil
		})
	})
	_, err := r.m.Load(context.Background(), "slow", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.d.Dispatch(context.Background(), hook.Damage, &hook.DamageArgs{Amount: 2}, hostCall(float32(2)))
	}()
	<-entered

	err = r.m.Unload(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Zero(t, shutdowns.Load())

	close(gate)
	<-done
	r.m.Wait()
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Equal(t, StateUnloaded, stateOf(r, "slow"))
}

func TestReload_ResetsStateKeepsSettings(t *testing.T) {
	r := newRig(t, time.Second)
	var seen []int
	var mu sync.Mutex
	r.define(t, Manifest{ID: "counter"}, func(_ context.Context, api *API) error {
		limit := api.Settings().Int("limit", 0)
		return api.Subscribe(hook.Chat, 0, func(context.Context, *hook.Call) (hook.Outcome, error) {
			n := api.State().Add("messages", 1)
			mu.Lock()
			seen = append(seen, int(n)*100+limit)
			mu.Unlock()
			return hook.Continue(), nil
		})
	})
	ctx := context.Background()
	_, err := r.m.Load(ctx, "counter", Settings{"Limit": 7})
	require.NoError(t, err)

	chat := func() { r.d.Dispatch(ctx, hook.Chat, &hook.ChatArgs{Message: "hi"}, hostCall(nil)) }
	chat()
	chat()
	require.NoError(t, r.m.Reload(ctx, "counter"))
	chat()

	assert.Equal(t, []int{107, 207, 107}, seen)
	rec, _ := r.m.Get("counter")
	assert.Equal(t, 2, rec.Info().Loads)
	assert.Equal(t, 7, rec.Settings().Int("limit", 0))
	assert.ErrorIs(t, r.m.Reload(ctx, "ghost"), ErrNotLoaded)
}

func TestReload_FromOwnHandler(t *testing.T) {
	r := newRig(t, time.Second)
	var reloadErr error
	r.define(t, Manifest{ID: "self"}, func(_ context.Context, api *API) error {
		return api.Subscribe(hook.Chat, 0, func(ctx context.Context, call *hook.Call) (hook.Outcome, error) {
			reloadErr = r.m.Reload(ctx, "self")
			return hook.Continue(), nil
		})
	})
	_, err := r.m.Load(context.Background(), "self", nil)
	require.NoError(t, err)

	r.d.Dispatch(context.Background(), hook.Chat, &hook.ChatArgs{}, hostCall(nil))
	require.NoError(t, reloadErr)
	r.m.Wait()

	rec, _ := r.m.Get("self")
	assert.Equal(t, StateLoaded, rec.State())
	assert.Equal(t, 2, rec.Info().Loads)
}

func TestReportFault_MarksDegraded(t *testing.T) {
	r := newRig(t, time.Second)
	r.define(t, Manifest{ID: "faulty"}, func(_ context.Context, api *API) error {
		return api.Subscribe(hook.Damage, 0, func(context.Context, *hook.Call) (hook.Outcome, error) {
			panic("nil deref")
		})
	})
	ctx := context.Background()
	_, err := r.m.Load(ctx, "faulty", nil)
	require.NoError(t, err)

	msgs, unsub, err := r.ps.Subscribe(ctx, NoticeChannel)
	require.NoError(t, err)
	defer unsub()

	out := r.d.Dispatch(ctx, hook.Damage, &hook.DamageArgs{Amount: 5}, hostCall(float32(5)))
	assert.Equal(t, float32(5), out, "a faulting handler is treated as continue")

	rec, _ := r.m.Get("faulty")
	assert.True(t, rec.Degraded())
	assert.Equal(t, StateLoaded, rec.State())
	assert.Equal(t, 1, rec.Faults())

	assert.Eventually(t, func() bool {
		faults, err := r.m.RecentFaults(ctx, 10)
		return err == nil && len(faults) == 1 && faults[0].Panic && faults[0].Kind == string(hook.Damage)
	}, time.Second, 10*time.Millisecond)

	timeout := time.After(time.Second)
	for degraded := false; !degraded; {
		select {
		case msg := <-msgs:
			var n Notice
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
			degraded = n.Type == NoticeDegraded
			if degraded {
				assert.Equal(t, "faulty", n.Plugin)
				assert.Equal(t, 1, n.Faults)
			}
		case <-timeout:
			t.Fatal("no degraded notice")
		}
	}

	require.NoError(t, r.m.ClearDegraded("faulty"))
	assert.False(t, rec.Degraded())
	assert.Equal(t, 1, rec.Faults())
	assert.ErrorIs(t, r.m.ClearDegraded("ghost"), ErrNotLoaded)
}

func TestLoadAll_DependencyOrder(t *testing.T) {
	r := newRig(t, time.Second)
	r.define(t, Manifest{ID: "a", Requires: []string{"b"}}, nil)
	r.define(t, Manifest{ID: "b", Requires: []string{"c"}}, nil)
	r.define(t, Manifest{ID: "c"}, nil)
	r.define(t, Manifest{ID: "x", Requires: []string{"y"}}, nil)
	r.define(t, Manifest{ID: "y", Requires: []string{"x"}}, nil)

	err := r.m.LoadAll(context.Background(), []Entry{{ID: "a"}, {ID: "x"}, {ID: "y"}, {ID: "b"}, {ID: "c"}, {ID: "nope"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.ErrorIs(t, err, ErrUnknownModule)
	assert.Equal(t, []string{"c", "b", "a"}, r.m.Loaded())

	require.NoError(t, r.m.UnloadAll(context.Background()))
	assert.Empty(t, r.m.Loaded())
}

type greeter interface{ Greet(name string) string }

type greeterImpl struct{ prefix string }

func (g greeterImpl) Greet(name string) string { return g.prefix + name }

func TestCapabilities_ExportImport(t *testing.T) {
	r := newRig(t, time.Second)
	r.define(t, Manifest{ID: "lib"}, func(_ context.Context, api *API) error {
		return api.Export("greeter", greeter(greeterImpl{prefix: "hello "}))
	})
	var got string
	var undeclared error
	r.define(t, Manifest{ID: "user", Requires: []string{"lib"}}, func(_ context.Context, api *API) error {
		g, err := Import[greeter](api, "lib", "greeter")
		if err != nil {
			return err
		}
		got = g.Greet("trent")
		_, undeclared = api.Import("other", "greeter")
		return nil
	})
	ctx := context.Background()
	_, err := r.m.Load(ctx, "lib", nil)
	require.NoError(t, err)
	_, err = r.m.Load(ctx, "user", nil)
	require.NoError(t, err)

	assert.Equal(t, "hello trent", got)
	assert.ErrorIs(t, undeclared, ErrUndeclaredDependency)

	require.NoError(t, r.m.Unload(ctx, "user"))
	require.NoError(t, r.m.Unload(ctx, "lib"))
	_, err = r.m.Capabilities().Lookup("lib", "greeter")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestEvery_StopsOnUnloadAndReportsPanics(t *testing.T) {
	r := newRig(t, time.Second)
	var ticks atomic.Int32
	r.define(t, Manifest{ID: "ticker"}, func(_ context.Context, api *API) error {
		if err := api.Every("count", 5*time.Millisecond, func(context.Context) { ticks.Add(1) }); err != nil {
			return err
		}
		return api.Every("explode", 5*time.Millisecond, func(context.Context) { panic("tick") })
	})
	ctx := context.Background()
	_, err := r.m.Load(ctx, "ticker", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	rec, _ := r.m.Get("ticker")
	assert.Eventually(t, rec.Degraded, time.Second, 5*time.Millisecond)

	require.NoError(t, r.m.Unload(ctx, "ticker"))
	assert.NotContains(t, r.sched.ListTickers(), "ticker/count")
	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), n+1)
}

func TestStore_SurvivesReload(t *testing.T) {
	r := newRig(t, time.Second)
	var api *API
	r.define(t, Manifest{ID: "bank"}, func(_ context.Context, a *API) error {
		api = a
		return nil
	})
	ctx := context.Background()
	_, err := r.m.Load(ctx, "bank", nil)
	require.NoError(t, err)

	_, err = api.Store().Incr(ctx, "deposits", 3)
	require.NoError(t, err)
	require.NoError(t, api.Store().Set(ctx, "owner", "trent"))
	_, ok, err := api.Store().Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.m.Reload(ctx, "bank"))
	all, err := api.Store().All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"deposits": "3", "owner": "trent"}, all)
}
