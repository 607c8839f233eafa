// Package host models the code region of the game server binary the hook host
// is attached to: a byte-addressable image with a symbol table, page
// protection and the code bodies the host executes.
package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// OpJmpRel32 is the opcode of a near jump with a 32-bit displacement.
	OpJmpRel32 = 0xE9
	// OpJmpRel8 is the opcode of a short jump.
	OpJmpRel8 = 0xEB
	// JmpSize is the length of an encoded JMP rel32.
	JmpSize = 5

	stubAlign = 16
)

var (
	ErrSymbolNotFound = errors.New("host: symbol not found")
	ErrOutOfRange     = errors.New("host: address out of range")
	ErrProtected      = errors.New("host: page is write-protected")
	ErrNoCode         = errors.New("host: no code at address")
	ErrDuplicate      = errors.New("host: symbol already defined")
)

// Fn is a code body of the host. args is the host's argument record for the
// call; the return value is handed back to the caller unchanged.
type Fn func(ctx context.Context, args any) any

// Symbol describes one exported or resolved host function.
type Symbol struct {
	Name string
	Addr uintptr
	Size int
	Sig  Signature
}

type region struct {
	start, end uintptr
}

// Image is the code region of the host process.
type Image struct {
	mu      sync.RWMutex
	version string
	base    uintptr
	mem     []byte
	prot    []region
	symbols map[string]Symbol
	code    map[uintptr]Fn
	stubs   map[uintptr]Fn
	cave    uintptr
}

// NewImage creates an image of size bytes mapped at base.
func NewImage(version string, base uintptr, size int) *Image {
	end := base + uintptr(size)
	return &Image{
		version: version,
		base:    base,
		mem:     make([]byte, size),
		symbols: make(map[string]Symbol),
		code:    make(map[uintptr]Fn),
		stubs:   make(map[uintptr]Fn),
		cave:    alignUp(end+stubAlign, stubAlign),
	}
}

// Version returns the build identifier of the host binary.
func (im *Image) Version() string { return im.version }

// Define places a function into the image: prologue bytes are written at
// sym.Addr and body becomes the code executed when the host calls it.
func (im *Image) Define(sym Symbol, prologue []byte, body Fn) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.symbols[sym.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, sym.Name)
	}
	if len(prologue) > sym.Size {
		return fmt.Errorf("host: prologue of %s longer than function (%d > %d)", sym.Name, len(prologue), sym.Size)
	}
	off, err := im.offset(sym.Addr, sym.Size)
	if err != nil {
		return fmt.Errorf("define %s: %w", sym.Name, err)
	}
	copy(im.mem[off:], prologue)
	im.symbols[sym.Name] = sym
	im.code[sym.Addr] = body
	return nil
}

// Protect marks [addr, addr+n) read-only.
func (im *Image) Protect(addr uintptr, n int) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.prot = append(im.prot, region{start: addr, end: addr + uintptr(n)})
}

// Resolve looks a symbol up by name.
func (im *Image) Resolve(name string) (Symbol, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	sym, ok := im.symbols[name]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return sym, nil
}

// Symbols returns every defined symbol.
func (im *Image) Symbols() []Symbol {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]Symbol, 0, len(im.symbols))
	for _, s := range im.symbols {
		out = append(out, s)
	}
	return out
}

// Read copies n bytes starting at addr.
func (im *Image) Read(addr uintptr, n int) ([]byte, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	off, err := im.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, im.mem[off:off+n])
	return out, nil
}

// Write stores b at addr. Protected pages are never written.
func (im *Image) Write(addr uintptr, b []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	off, err := im.offset(addr, len(b))
	if err != nil {
		return err
	}
	end := addr + uintptr(len(b))
	for _, r := range im.prot {
		if addr < r.end && end > r.start {
			return fmt.Errorf("%w: 0x%x", ErrProtected, addr)
		}
	}
	copy(im.mem[off:], b)
	return nil
}

// AllocStub places body in the code cave behind the image and returns its address.
func (im *Image) AllocStub(body Fn) uintptr {
	im.mu.Lock()
	defer im.mu.Unlock()
	addr := im.cave
	im.cave += stubAlign
	im.stubs[addr] = body
	return addr
}

// FreeStub releases a stub allocated by AllocStub.
func (im *Image) FreeStub(addr uintptr) {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.stubs, addr)
}

// Body returns the original code body defined at addr.
func (im *Image) Body(addr uintptr) (Fn, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	fn, ok := im.code[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoCode, addr)
	}
	return fn, nil
}

// Call is the host's own call path into a function: it executes whatever the
// first bytes at the symbol address lead to.
func (im *Image) Call(ctx context.Context, name string, args any) (any, error) {
	sym, err := im.Resolve(name)
	if err != nil {
		return nil, err
	}
	fn, err := im.entry(sym.Addr)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return fn(ctx, args), nil
}

func (im *Image) entry(addr uintptr) (Fn, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	off, err := im.offset(addr, JmpSize)
	if err != nil {
		return nil, err
	}
	if im.mem[off] == OpJmpRel32 {
		target := DecodeJmp(addr, im.mem[off:off+JmpSize])
		if fn, ok := im.stubs[target]; ok {
			return fn, nil
		}
		if fn, ok := im.code[target]; ok {
			return fn, nil
		}
		return nil, fmt.Errorf("%w: jump target 0x%x", ErrNoCode, target)
	}
	fn, ok := im.code[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoCode, addr)
	}
	return fn, nil
}

func (im *Image) offset(addr uintptr, n int) (int, error) {
	if n < 0 || addr < im.base || addr+uintptr(n) > im.base+uintptr(len(im.mem)) {
		return 0, fmt.Errorf("%w: 0x%x+%d", ErrOutOfRange, addr, n)
	}
	return int(addr - im.base), nil
}

// EncodeJmp returns the bytes of a JMP rel32 located at from that lands on to.
func EncodeJmp(from, to uintptr) []byte {
	b := make([]byte, JmpSize)
	b[0] = OpJmpRel32
	rel := int32(int64(to) - int64(from+JmpSize))
	binary.LittleEndian.PutUint32(b[1:], uint32(rel))
	return b
}

// DecodeJmp returns the target of the JMP rel32 encoded in b at address from.
func DecodeJmp(from uintptr, b []byte) uintptr {
	rel := int32(binary.LittleEndian.Uint32(b[1:JmpSize]))
	return uintptr(int64(from) + JmpSize + int64(rel))
}

// IsJump reports whether b starts with a jump instruction.
func IsJump(b []byte) bool {
	return len(b) > 0 && (b[0] == OpJmpRel32 || b[0] == OpJmpRel8)
}

func alignUp(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}
