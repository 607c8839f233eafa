// Package core installs the host intercepts and routes every intercepted call
// through the dispatcher.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kasuganosora/hookhost/host"
	"github.com/kasuganosora/hookhost/intercept"
	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

var ErrInitialized = errors.New("core: runtime already initialised")

// Options wires a Runtime. Image, Sessions, Dispatcher and Plugins are
// required.
type Options struct {
	Image *host.Image
	// Version is the host build the bindings were made for.
	Version    string
	Bindings   []Binding
	Sessions   *session.Manager
	Dispatcher *hook.Dispatcher
	Plugins    *plugin.Manager
	// Load lists the plugins loaded by Init.
	Load []plugin.Entry
	// Fatal replaces the handler for host code integrity violations.
	Fatal  func(error)
	Logger *zap.Logger
}

type bound struct {
	Binding
	point atomic.Pointer[intercept.Point]
}

// Runtime owns the intercepts of one host image.
type Runtime struct {
	opts     Options
	layer    *intercept.Layer
	sessions *session.Manager
	disp     *hook.Dispatcher
	plugins  *plugin.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	bound    []*bound
	disabled map[hook.Kind]error
	started  bool
}

func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bindings == nil {
		opts.Bindings = DefaultBindings()
	}
	if opts.Version == "" {
		opts.Version = opts.Image.Version()
	}
	logger := opts.Logger.Named("core")
	var lopts []intercept.Option
	if opts.Fatal != nil {
		lopts = append(lopts, intercept.WithFatal(opts.Fatal))
	}
	return &Runtime{
		opts:     opts,
		layer:    intercept.NewLayer(opts.Image, opts.Version, logger, lopts...),
		sessions: opts.Sessions,
		disp:     opts.Dispatcher,
		plugins:  opts.Plugins,
		logger:   logger,
		disabled: make(map[hook.Kind]error),
	}
}

func (r *Runtime) Sessions() *session.Manager   { return r.sessions }
func (r *Runtime) Dispatcher() *hook.Dispatcher { return r.disp }
func (r *Runtime) Plugins() *plugin.Manager     { return r.plugins }

// Init installs every binding and loads the configured plugins. A binding
// that cannot be installed disables its event; plugin load failures are
// logged and returned joined, but never stop the rest.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrInitialized
	}
	r.started = true
	for _, b := range r.opts.Bindings {
		bd := &bound{Binding: b}
		p, err := r.layer.Install(b.Target, r.detour(bd))
		if err != nil {
			r.disabled[b.Kind] = err
			r.logger.Error("event disabled",
				zap.String("kind", string(b.Kind)),
				zap.String("symbol", b.Target.Symbol),
				zap.Error(err))
			continue
		}
		bd.point.Store(p)
		r.bound = append(r.bound, bd)
	}
	r.mu.Unlock()

	r.logger.Info("intercepts installed",
		zap.Int("installed", len(r.bound)),
		zap.Int("disabled", len(r.disabled)))

	if err := r.plugins.LoadAll(ctx, r.opts.Load); err != nil {
		r.logger.Warn("some plugins failed to load", zap.Error(err))
		return err
	}
	return nil
}

// Teardown unloads plugins in reverse load order, removes every intercept
// and ends all sessions.
func (r *Runtime) Teardown(ctx context.Context) error {
	var errs []error
	if err := r.plugins.UnloadAll(ctx); err != nil {
		errs = append(errs, err)
	}
	r.plugins.Wait()
	if err := r.layer.UninstallAll(); err != nil {
		errs = append(errs, err)
	}
	r.mu.Lock()
	r.bound = nil
	r.started = false
	r.mu.Unlock()
	r.sessions.Teardown()
	r.logger.Info("runtime torn down")
	return errors.Join(errs...)
}

// BindingStatus reports whether the event of one binding is live.
type BindingStatus struct {
	Kind      hook.Kind `json:"kind"`
	Symbol    string    `json:"symbol"`
	Signature string    `json:"signature"`
	Installed bool      `json:"installed"`
	Addr      string    `json:"addr,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (r *Runtime) Status() []BindingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[hook.Kind]*intercept.Point, len(r.bound))
	for _, bd := range r.bound {
		live[bd.Kind] = bd.point.Load()
	}
	out := make([]BindingStatus, 0, len(r.opts.Bindings))
	for _, b := range r.opts.Bindings {
		st := BindingStatus{Kind: b.Kind, Symbol: b.Target.Symbol, Signature: b.Target.Sig.String()}
		if p := live[b.Kind]; p != nil && p.Installed() {
			st.Installed = true
			st.Addr = fmt.Sprintf("0x%x", p.Addr())
		} else if err := r.disabled[b.Kind]; err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Call enters the host function bound to kind with args, as the server
// engine would. It is how dry-run images are driven.
func (r *Runtime) Call(ctx context.Context, kind hook.Kind, args hook.Args) (any, error) {
	for _, b := range r.opts.Bindings {
		if b.Kind == kind {
			return r.opts.Image.Call(ctx, b.Target.Symbol, args)
		}
	}
	return nil, fmt.Errorf("core: no binding for %s: %w", kind, hook.ErrUnknownKind)
}

// Disabled reports whether kind could not be installed.
func (r *Runtime) Disabled(kind hook.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[kind]
}
