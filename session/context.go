package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Flags are transient per-session markers set by the core or by plugins.
type Flags uint32

const (
	Muted Flags = 1 << iota
	BanPending
	InCharacterSelect
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// Context is the shared record of one connected client. It is handed by
// reference to every handler of that client's events. Once the session is
// destroyed all setters become no-ops, so a handler holding a stale pointer
// can never leak state into a later session with the same id.
type Context struct {
	id         uint32
	generation uint64
	createdAt  time.Time
	none       bool

	destroyed atomic.Bool
	// dispatch serialises dispatch passes for this client.
	dispatch sync.Mutex

	mu        sync.RWMutex
	account   string
	character string
	ship      uint32
	system    uint32
	base      uint32
	lastBase  uint32
	flags     Flags
	connects  int
	values    map[string]any
}

func newContext(id uint32, gen uint64) *Context {
	return &Context{
		id:         id,
		generation: gen,
		createdAt:  time.Now(),
		values:     make(map[string]any),
	}
}

// ID returns the host's client id. The sessionless stand-in has id 0.
func (c *Context) ID() uint32 { return c.id }

// Generation increases every time an id is reused.
func (c *Context) Generation() uint64 { return c.generation }

func (c *Context) CreatedAt() time.Time { return c.createdAt }

// IsNone reports whether c is the sessionless stand-in.
func (c *Context) IsNone() bool { return c.none }

// Destroyed reports whether the session ended.
func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// Lock takes the exclusive dispatch lock of the session. The stand-in is
// shared by every sessionless event and is never locked.
func (c *Context) Lock() {
	if !c.none {
		c.dispatch.Lock()
	}
}

func (c *Context) Unlock() {
	if !c.none {
		c.dispatch.Unlock()
	}
}

func (c *Context) read(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
}

// write applies fn unless the session is gone or is the stand-in.
func (c *Context) write(fn func()) bool {
	if c.none || c.destroyed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() {
		return false
	}
	fn()
	return true
}

func (c *Context) Account() (s string) {
	c.read(func() { s = c.account })
	return
}

func (c *Context) SetAccount(account string) bool {
	return c.write(func() { c.account = account })
}

func (c *Context) Character() (s string) {
	c.read(func() { s = c.character })
	return
}

func (c *Context) SetCharacter(name string) bool {
	return c.write(func() { c.character = name })
}

func (c *Context) Ship() (v uint32) {
	c.read(func() { v = c.ship })
	return
}

func (c *Context) SetShip(ship uint32) bool {
	return c.write(func() { c.ship = ship })
}

func (c *Context) System() (v uint32) {
	c.read(func() { v = c.system })
	return
}

func (c *Context) SetSystem(system uint32) bool {
	return c.write(func() { c.system = system })
}

// Base is the base the client is docked at, 0 in space.
func (c *Context) Base() (v uint32) {
	c.read(func() { v = c.base })
	return
}

func (c *Context) LastBase() (v uint32) {
	c.read(func() { v = c.lastBase })
	return
}

// Dock records entering base.
func (c *Context) Dock(base uint32) bool {
	return c.write(func() {
		c.base = base
		c.lastBase = base
	})
}

// Undock clears the current base and keeps LastBase.
func (c *Context) Undock() bool {
	return c.write(func() { c.base = 0 })
}

func (c *Context) Flags() (f Flags) {
	c.read(func() { f = c.flags })
	return
}

func (c *Context) SetFlag(f Flags) bool {
	return c.write(func() { c.flags |= f })
}

func (c *Context) ClearFlag(f Flags) bool {
	return c.write(func() { c.flags &^= f })
}

// Connects counts the connect events of this client slot, this one included.
func (c *Context) Connects() (n int) {
	c.read(func() { n = c.connects })
	return
}

// Value returns a value attached by a plugin.
func (c *Context) Value(key string) (v any, ok bool) {
	c.read(func() { v, ok = c.values[key] })
	return
}

// SetValue attaches a plugin value to the session. Plugins should prefix keys
// with their id.
func (c *Context) SetValue(key string, v any) bool {
	return c.write(func() { c.values[key] = v })
}

func (c *Context) DeleteValue(key string) bool {
	return c.write(func() { delete(c.values, key) })
}

// Info is the read-only view exposed to the admin API.
type Info struct {
	ID         uint32    `json:"id"`
	Generation uint64    `json:"generation"`
	Account    string    `json:"account,omitempty"`
	Character  string    `json:"character,omitempty"`
	Ship       uint32    `json:"ship,omitempty"`
	System     uint32    `json:"system,omitempty"`
	Base       uint32    `json:"base,omitempty"`
	LastBase   uint32    `json:"last_base,omitempty"`
	Muted      bool      `json:"muted"`
	BanPending bool      `json:"ban_pending"`
	Connects   int       `json:"connects"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:         c.id,
		Generation: c.generation,
		Account:    c.account,
		Character:  c.character,
		Ship:       c.ship,
		System:     c.system,
		Base:       c.base,
		LastBase:   c.lastBase,
		Muted:      c.flags.Has(Muted),
		BanPending: c.flags.Has(BanPending),
		Connects:   c.connects,
		CreatedAt:  c.createdAt,
	}
}
