package hook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds nested dispatch on one call chain.
const DefaultMaxDepth = 16

// Original runs the host's own implementation of an intercepted call.
type Original func(ctx context.Context, args Args) any

// Call is what a handler sees of the host call being dispatched.
type Call struct {
	Kind       Kind
	Args       Args
	Session    *session.Context
	Plugin     string
	DispatchID string
	Depth      int
	// Result is the value returned to the host. Set for notifications only.
	Result any
}

// Dispatcher turns one intercepted host call into an ordered handler pass.
type Dispatcher struct {
	registry *Registry
	sessions *session.Manager
	reporter FaultReporter
	maxDepth int
	logger   *zap.Logger

	statsMu sync.Mutex
	stats   map[Kind]*kindCounters
}

type DispatcherOption func(*Dispatcher)

func WithMaxDepth(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxDepth = n
		}
	}
}

func WithFaultReporter(r FaultReporter) DispatcherOption {
	return func(d *Dispatcher) { d.reporter = r }
}

// NewDispatcher creates a Dispatcher over registry and sessions.
func NewDispatcher(registry *Registry, sessions *session.Manager, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		sessions: sessions,
		maxDepth: DefaultMaxDepth,
		logger:   logger,
		stats:    make(map[Kind]*kindCounters),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// SetFaultReporter replaces the reporter. It must be called before the first
// dispatch.
func (d *Dispatcher) SetFaultReporter(r FaultReporter) { d.reporter = r }

// begin resolves the session of a pass and takes its dispatch lock. The
// returned unlock is never nil. ok is false when no handler may run.
func (d *Dispatcher) begin(ctx context.Context, desc Descriptor, args Args) (f *frame, unlock func(), ok bool) {
	parent := frameFrom(ctx)
	depth := parent.level() + 1
	unlock = func() {}
	if depth > d.maxDepth {
		d.logger.Warn("dispatch depth exceeded",
			zap.String("kind", string(desc.Kind)),
			zap.Int("depth", depth),
			zap.Int("max", d.maxDepth))
		return nil, unlock, false
	}

	sess := d.sessions.None()
	if desc.Session && args.Client() != 0 {
		s, err := d.sessions.Lookup(args.Client())
		if err != nil {
			d.logger.Debug("dispatch without session",
				zap.String("kind", string(desc.Kind)),
				zap.Uint32("client_id", args.Client()))
			return nil, unlock, false
		}
		sess = s
	}

	f = &frame{parent: parent, kind: desc.Kind, sess: sess, depth: depth}
	if !sess.IsNone() && !parent.holds(sess) {
		sess.Lock()
		f.locked = true
		unlock = sess.Unlock
	}
	if sess.Destroyed() {
		unlock()
		return nil, func() {}, false
	}
	return f, unlock, true
}

// Dispatch runs the handlers of kind for one host call and returns the value
// the host must see. original is called at most once, and only when every
// handler continued.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, args Args, original Original) any {
	desc, ok := Describe(kind)
	if !ok || desc.Notification || !desc.Accepts(args) {
		d.logger.Warn("dispatch rejected, calling host directly",
			zap.String("kind", string(kind)),
			zap.String("args", fmt.Sprintf("%T", args)))
		return original(ctx, args)
	}
	c := d.counters(kind)
	c.calls.Add(1)

	f, unlock, ok := d.begin(ctx, desc, args)
	defer unlock()
	if !ok {
		c.original.Add(1)
		return original(ctx, args)
	}
	hctx := context.WithValue(ctx, frameKey{}, f)

	entries := d.registry.Snapshot(kind)
	if len(entries) == 0 {
		c.original.Add(1)
		return original(hctx, args)
	}

	call := Call{
		Kind:       kind,
		Args:       args,
		Session:    f.sess,
		DispatchID: uuid.NewString(),
		Depth:      f.depth,
	}
	for _, e := range entries {
		out, err := d.invoke(hctx, f, e, call)
		if err != nil {
			d.fault(e, call, err, false, nil)
		} else if out.action != ActContinue {
			v, cerr := d.resolve(desc, out)
			if cerr != nil {
				d.fault(e, call, cerr, false, nil)
			} else {
				d.logger.Debug("dispatch short-circuited",
					zap.String("kind", string(kind)),
					zap.String("plugin", e.Plugin),
					zap.Stringer("outcome", out),
					zap.String("dispatch_id", call.DispatchID))
				if out.action == ActSkip {
					c.skipped.Add(1)
				} else {
					c.overridden.Add(1)
				}
				return v
			}
		}
		if !f.sess.IsNone() && f.sess.Destroyed() {
			d.logger.Debug("session ended during dispatch",
				zap.String("kind", string(kind)),
				zap.Uint32("client_id", f.sess.ID()),
				zap.String("plugin", e.Plugin))
			c.skipped.Add(1)
			return desc.SkipDefault
		}
	}
	c.original.Add(1)
	return original(hctx, args)
}

// Notify runs every handler of an after-notification. Outcomes are ignored.
func (d *Dispatcher) Notify(ctx context.Context, kind Kind, args Args, result any) {
	desc, ok := Describe(kind)
	if !ok || !desc.Accepts(args) {
		d.logger.Warn("notify rejected",
			zap.String("kind", string(kind)),
			zap.String("args", fmt.Sprintf("%T", args)))
		return
	}
	c := d.counters(kind)
	c.calls.Add(1)

	f, unlock, ok := d.begin(ctx, desc, args)
	defer unlock()
	if !ok {
		return
	}
	entries := d.registry.Snapshot(kind)
	if len(entries) == 0 {
		return
	}
	hctx := context.WithValue(ctx, frameKey{}, f)
	call := Call{
		Kind:       kind,
		Args:       args,
		Session:    f.sess,
		DispatchID: uuid.NewString(),
		Depth:      f.depth,
		Result:     result,
	}
	for _, e := range entries {
		if _, err := d.invoke(hctx, f, e, call); err != nil {
			d.fault(e, call, err, false, nil)
		}
	}
}

var errPanic = errors.New("handler panicked")

func (d *Dispatcher) invoke(ctx context.Context, f *frame, e *Entry, call Call) (out Outcome, err error) {
	release := d.registry.Acquire(e.Plugin)
	prev := f.current
	f.current = e.Plugin
	start := time.Now()
	defer func() {
		f.current = prev
		release()
		if r := recover(); r != nil {
			d.fault(e, call, fmt.Errorf("%w: %v", errPanic, r), true, debug.Stack())
			out, err = Continue(), nil
		}
		if el := time.Since(start); el > 50*time.Millisecond {
			d.logger.Warn("slow handler",
				zap.String("plugin", e.Plugin),
				zap.String("kind", string(e.Kind)),
				zap.Duration("elapsed", el))
		}
	}()
	call.Plugin = e.Plugin
	return e.Handler(ctx, &call)
}

func (d *Dispatcher) resolve(desc Descriptor, out Outcome) (any, error) {
	v, has := out.Value()
	if !has {
		return desc.SkipDefault, nil
	}
	return desc.Coerce(v)
}

func (d *Dispatcher) fault(e *Entry, call Call, err error, panicked bool, stack []byte) {
	hf := &HandlerFault{
		Plugin:     e.Plugin,
		Kind:       call.Kind,
		DispatchID: call.DispatchID,
		ClientID:   call.Args.Client(),
		Err:        err,
		Panic:      panicked,
		Stack:      stack,
		At:         time.Now(),
	}
	d.counters(call.Kind).faults.Add(1)
	d.logger.Error("handler fault",
		zap.String("plugin", hf.Plugin),
		zap.String("kind", string(hf.Kind)),
		zap.String("dispatch_id", hf.DispatchID),
		zap.Uint32("client_id", hf.ClientID),
		zap.Bool("panic", panicked),
		zap.Error(err))
	if d.reporter != nil {
		d.reporter.ReportFault(hf)
	}
}

type kindCounters struct {
	calls, original, skipped, overridden, faults atomic.Int64
}

// KindStats are the dispatch counters of one Kind.
type KindStats struct {
	Calls      int64 `json:"calls"`
	Original   int64 `json:"original"`
	Skipped    int64 `json:"skipped"`
	Overridden int64 `json:"overridden"`
	Faults     int64 `json:"faults"`
}

func (d *Dispatcher) counters(kind Kind) *kindCounters {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	c := d.stats[kind]
	if c == nil {
		c = &kindCounters{}
		d.stats[kind] = c
	}
	return c
}

// Stats returns the counters of every kind dispatched so far.
func (d *Dispatcher) Stats() map[Kind]KindStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	out := make(map[Kind]KindStats, len(d.stats))
	for k, c := range d.stats {
		out[k] = KindStats{
			Calls:      c.calls.Load(),
			Original:   c.original.Load(),
			Skipped:    c.skipped.Load(),
			Overridden: c.overridden.Load(),
			Faults:     c.faults.Load(),
		}
	}
	return out
}

// Bind adapts a handler taking the concrete argument type of a kind.
func Bind[A Args](fn func(ctx context.Context, call *Call, args A) (Outcome, error)) Handler {
	return func(ctx context.Context, call *Call) (Outcome, error) {
		a, ok := call.Args.(A)
		if !ok {
			return Continue(), fmt.Errorf("hook: %s: unexpected args %T", call.Kind, call.Args)
		}
		return fn(ctx, call, a)
	}
}
