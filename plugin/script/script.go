// Package script loads plugin modules written in JavaScript and run by goja.
//
// A script declares a manifest and an init function:
//
//	var manifest = { name: "Chat filter", version: "1.0", events: ["chat"] };
//	function init(api) { api.subscribe("chat", 0, "onChat"); }
//	function onChat(call) { return call.args.message === "" ? "skip" : "continue"; }
//
// A handler returns "continue" (or nothing), "skip", or an object
// {action: "skip"|"override", value: v}.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"go.uber.org/zap"
)

// ErrTimeout is returned when loading a script exceeds the time limit.
var ErrTimeout = errors.New("script: execution timed out")

// ErrPanic is returned when the engine panics while running a script.
var ErrPanic = errors.New("script: engine panic")

const DefaultTimeout = 500 * time.Millisecond

// Options configures script compilation.
type Options struct {
	// Timeout bounds running the top level and init. Handlers are not
	// bounded.
	Timeout time.Duration
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// manifestJS receives the script's manifest object. Property names follow
// the runtime's field name mapper.
type manifestJS struct {
	Name     string
	Version  string
	Requires []string
	Events   []string
}

// Compile turns one script into a plugin definition. The manifest is read
// once here; every load runs the program in a fresh runtime.
func Compile(id, src string, opts Options) (plugin.Definition, error) {
	opts = opts.withDefaults()
	prog, err := goja.Compile(id+".js", src, true)
	if err != nil {
		return plugin.Definition{}, fmt.Errorf("script %s: %w", id, err)
	}
	vm := newSafeVM()
	if err := run(vm, opts.Timeout, func() error {
		_, err := vm.RunProgram(prog)
		return err
	}); err != nil {
		return plugin.Definition{}, fmt.Errorf("script %s: %w", id, err)
	}

	var mj manifestJS
	if v := vm.Get("manifest"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if err := vm.ExportTo(v, &mj); err != nil {
			return plugin.Definition{}, fmt.Errorf("script %s: manifest: %w", id, err)
		}
	}
	if _, ok := goja.AssertFunction(vm.Get("init")); !ok {
		return plugin.Definition{}, fmt.Errorf("script %s: no init function", id)
	}

	man := plugin.Manifest{
		ID:       id,
		Name:     mj.Name,
		Version:  mj.Version,
		Source:   "script",
		Requires: mj.Requires,
	}
	if man.Name == "" {
		man.Name = id
	}
	for _, e := range mj.Events {
		man.Events = append(man.Events, hook.Kind(e))
	}
	return plugin.Definition{
		Manifest: man,
		New: func() (plugin.Module, error) {
			return &module{id: id, prog: prog, timeout: opts.Timeout, logger: opts.Logger.Named("script." + id)}, nil
		},
	}, nil
}

// Discover compiles every *.js file in dir. The plugin id is the file name
// without extension. Broken scripts are reported and skipped.
func Discover(dir string, opts Options) ([]plugin.Definition, []error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(paths)
	var defs []plugin.Definition
	var errs []error
	for _, p := range paths {
		def, err := CompileFile(p, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}

// CompileFile compiles the script at path.
func CompileFile(path string, opts Options) (plugin.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return plugin.Definition{}, fmt.Errorf("script: %w", err)
	}
	return Compile(IDFromPath(path), string(src), opts)
}

// IDFromPath derives a plugin id from a script file name.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// module is one loaded instance of a script. goja runtimes are not safe for
// concurrent use, so every entry into vm holds mu.
type module struct {
	id      string
	prog    *goja.Program
	timeout time.Duration
	logger  *zap.Logger

	mu sync.Mutex
	vm *goja.Runtime
}

func (m *module) Init(_ context.Context, api *plugin.API) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vm = newSafeVM()
	if err := run(m.vm, m.timeout, func() error {
		_, err := m.vm.RunProgram(m.prog)
		return err
	}); err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(m.vm.Get("init"))
	if !ok {
		return fmt.Errorf("script %s: no init function", m.id)
	}
	obj := m.bindAPI(api)
	return run(m.vm, m.timeout, func() error {
		_, err := fn(goja.Undefined(), obj)
		return err
	})
}

func (m *module) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vm == nil {
		return nil
	}
	var err error
	if fn, ok := goja.AssertFunction(m.vm.Get("shutdown")); ok {
		err = run(m.vm, m.timeout, func() error {
			_, err := fn(goja.Undefined())
			return err
		})
	}
	m.vm = nil
	return err
}

// bindAPI exposes the plugin API to the script. Called with mu held.
func (m *module) bindAPI(api *plugin.API) *goja.Object {
	vm := m.vm
	obj := vm.NewObject()
	_ = obj.Set("id", api.ID())
	_ = obj.Set("subscribe", func(kind string, priority int, name string) {
		var h hook.Handler
		if fn, ok := goja.AssertFunction(vm.Get(name)); ok {
			h = m.handler(name, fn)
		}
		if err := api.Subscribe(hook.Kind(kind), priority, h); err != nil {
			m.logger.Warn("subscribe rejected", zap.String("kind", kind), zap.String("function", name), zap.Error(err))
		}
	})
	_ = obj.Set("setting", func(key string) any {
		s := api.Settings()
		if !s.Has(key) {
			return nil
		}
		return s.String(key, "")
	})
	_ = obj.Set("get", func(key string) any {
		v, _ := api.State().Get(key)
		return v
	})
	_ = obj.Set("set", func(key string, v any) { api.State().Set(key, v) })
	_ = obj.Set("add", func(key string, n int64) int64 { return api.State().Add(key, n) })
	_ = obj.Set("session", func(client uint32) any {
		s, err := api.Sessions().Lookup(client)
		if err != nil {
			return nil
		}
		return s.Info()
	})
	_ = obj.Set("storeGet", func(field string) any {
		v, ok, err := api.Store().Get(context.Background(), field)
		if err != nil || !ok {
			return nil
		}
		return v
	})
	_ = obj.Set("storeSet", func(field, value string) bool {
		return api.Store().Set(context.Background(), field, value) == nil
	})
	log := api.Logger()
	_ = obj.Set("log", func(msg string) { log.Info(msg) })
	_ = obj.Set("warn", func(msg string) { log.Warn(msg) })
	return obj
}

func (m *module) handler(name string, fn goja.Callable) hook.Handler {
	return func(_ context.Context, call *hook.Call) (hook.Outcome, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.vm == nil {
			return hook.Continue(), nil
		}
		obj := m.vm.NewObject()
		_ = obj.Set("kind", string(call.Kind))
		_ = obj.Set("client", call.Args.Client())
		_ = obj.Set("args", call.Args)
		_ = obj.Set("dispatchId", call.DispatchID)
		if call.Result != nil {
			_ = obj.Set("result", call.Result)
		}
		v, err := fn(goja.Undefined(), obj)
		if err != nil {
			return hook.Continue(), fmt.Errorf("script %s: %s: %w", m.id, name, scriptErr(err))
		}
		return outcome(v)
	}
}

// outcome converts a handler's return value.
func outcome(v goja.Value) (hook.Outcome, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return hook.Continue(), nil
	}
	switch x := v.Export().(type) {
	case string:
		switch x {
		case "continue", "":
			return hook.Continue(), nil
		case "skip":
			return hook.Skip(), nil
		}
		return hook.Continue(), fmt.Errorf("script: unknown outcome %q", x)
	case map[string]any:
		action, _ := x["action"].(string)
		val, has := x["value"]
		switch action {
		case "continue":
			return hook.Continue(), nil
		case "skip":
			if has {
				return hook.SkipWith(val), nil
			}
			return hook.Skip(), nil
		case "override":
			return hook.Override(val), nil
		}
		return hook.Continue(), fmt.Errorf("script: unknown outcome action %q", action)
	}
	return hook.Continue(), fmt.Errorf("script: handler returned %s", v.String())
}

// run executes fn with an interrupt timer armed on vm.
func run(vm *goja.Runtime, timeout time.Duration, fn func() error) (err error) {
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer func() {
		timer.Stop()
		vm.ClearInterrupt()
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return scriptErr(fn())
}

func scriptErr(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if v, ok := ie.Value().(error); ok && errors.Is(v, ErrTimeout) {
			return ErrTimeout
		}
		return err
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(ex.Error())
	}
	return err
}

// newSafeVM creates a runtime with host-reaching globals removed.
func newSafeVM() *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	for _, name := range []string{"require", "process", "fetch", "XMLHttpRequest", "eval", "Function"} {
		vm.Set(name, goja.Undefined())
	}
	return vm
}
