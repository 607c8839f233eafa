// Package intercept redirects host functions to hook host code while keeping
// the original function body callable. All writes to host code go through
// this package.
package intercept

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/kasuganosora/hookhost/host"
	"go.uber.org/zap"
)

// Target names a host function and the ABI the hook host was built against.
type Target struct {
	Symbol string
	Sig    host.Signature
}

// Point is an installed interception of one host function.
type Point struct {
	target   Target
	sym      host.Symbol
	original []byte
	patch    []byte
	stub     uintptr
	orig     host.Fn

	mu        sync.Mutex
	installed bool
}

func (p *Point) Target() Target     { return p.target }
func (p *Point) Symbol() host.Symbol { return p.sym }
func (p *Point) Addr() uintptr       { return p.sym.Addr }
func (p *Point) Stub() uintptr       { return p.stub }

// Installed reports whether the patch is still in place.
func (p *Point) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

// Layer owns every intercept point in one host image.
type Layer struct {
	mu      sync.Mutex
	image   *host.Image
	version string
	points  map[uintptr]*Point
	order   []*Point
	fatal   func(error)
	logger  *zap.Logger
}

// Option configures a Layer.
type Option func(*Layer)

// WithFatal replaces the process-fatal handler invoked on ConsistencyError.
func WithFatal(fn func(error)) Option {
	return func(l *Layer) { l.fatal = fn }
}

// NewLayer creates a Layer for image. version is the host build the caller's
// bindings were made for; any other build is refused at Install.
func NewLayer(image *host.Image, version string, logger *zap.Logger, opts ...Option) *Layer {
	l := &Layer{
		image:   image,
		version: version,
		points:  make(map[uintptr]*Point),
		logger:  logger,
	}
	l.fatal = func(err error) {
		logger.Fatal("host code integrity violated", zap.Error(err))
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Install redirects target to detour. It must run while no host thread is
// executing inside the target.
func (l *Layer) Install(t Target, detour host.Fn) (*Point, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fail := func(err error) (*Point, error) {
		l.logger.Error("intercept install failed", zap.String("target", t.Symbol), zap.Error(err))
		return nil, &ResolutionError{Target: t.Symbol, Err: err}
	}

	if v := l.image.Version(); v != l.version {
		return fail(fmt.Errorf("%w: host %q, expected %q", ErrVersionMismatch, v, l.version))
	}
	sym, err := l.image.Resolve(t.Symbol)
	if err != nil {
		return fail(err)
	}
	if !sym.Sig.Equal(t.Sig) {
		return fail(fmt.Errorf("%w: host %s, expected %s", ErrSignatureMismatch, sym.Sig, t.Sig))
	}
	if _, ok := l.points[sym.Addr]; ok {
		return fail(fmt.Errorf("%w: 0x%x", ErrAlreadyInstalled, sym.Addr))
	}
	if sym.Size < host.JmpSize {
		return fail(fmt.Errorf("%w: %d bytes", ErrInsufficientSpace, sym.Size))
	}
	original, err := l.image.Read(sym.Addr, host.JmpSize)
	if err != nil {
		return fail(err)
	}
	if host.IsJump(original) {
		return fail(fmt.Errorf("%w: % x", ErrForeignPatch, original))
	}
	orig, err := l.image.Body(sym.Addr)
	if err != nil {
		return fail(err)
	}

	stub := l.image.AllocStub(detour)
	patch := host.EncodeJmp(sym.Addr, stub)
	if err := l.image.Write(sym.Addr, patch); err != nil {
		l.image.FreeStub(stub)
		return fail(err)
	}

	p := &Point{
		target:    t,
		sym:       sym,
		original:  original,
		patch:     patch,
		stub:      stub,
		orig:      orig,
		installed: true,
	}
	l.points[sym.Addr] = p
	l.order = append(l.order, p)
	l.logger.Info("intercept installed",
		zap.String("target", t.Symbol),
		zap.String("addr", fmt.Sprintf("0x%x", sym.Addr)),
		zap.String("stub", fmt.Sprintf("0x%x", stub)))
	return p, nil
}

// InvokeOriginal runs the host's own implementation behind p. Whether the
// host tolerates re-entry from a handler is the host's contract.
func (l *Layer) InvokeOriginal(ctx context.Context, p *Point, args any) any {
	return p.orig(ctx, args)
}

// Uninstall restores the original bytes of p. If the bytes at the address are
// no longer the patch written by Install, the fatal handler is invoked and a
// *ConsistencyError is returned.
func (l *Layer) Uninstall(p *Point) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uninstallLocked(p)
}

func (l *Layer) uninstallLocked(p *Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.installed {
		return fmt.Errorf("intercept: %s: %w", p.target.Symbol, ErrNotInstalled)
	}

	current, err := l.image.Read(p.sym.Addr, len(p.patch))
	if err != nil {
		return fmt.Errorf("intercept: read %s: %w", p.target.Symbol, err)
	}
	if !bytes.Equal(current, p.patch) {
		cerr := &ConsistencyError{Target: p.target.Symbol, Addr: p.sym.Addr, Want: p.patch, Got: current}
		l.fatal(cerr)
		return cerr
	}
	if err := l.image.Write(p.sym.Addr, p.original); err != nil {
		return fmt.Errorf("intercept: restore %s: %w", p.target.Symbol, err)
	}
	l.image.FreeStub(p.stub)
	p.installed = false
	delete(l.points, p.sym.Addr)
	for i, q := range l.order {
		if q == p {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.logger.Info("intercept removed", zap.String("target", p.target.Symbol))
	return nil
}

// UninstallAll removes every point in reverse install order. It stops at the
// first ConsistencyError.
func (l *Layer) UninstallAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		if err := l.uninstallLocked(l.order[i]); err != nil {
			return err
		}
	}
	return nil
}

// Points returns the installed points in install order.
func (l *Layer) Points() []*Point {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Point, len(l.order))
	copy(out, l.order)
	return out
}
