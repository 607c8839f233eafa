// Package session keeps the table of connected clients shared by every hook
// invocation.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxClients matches the host's client id range.
const DefaultMaxClients = 255

var (
	// ErrNotFound is the normal answer for events racing a disconnect.
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("client id out of range")
)

// Manager maintains the registry of all connected sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint32]*Context
	connects map[uint32]int // per client slot, kept across reconnects
	gen      uint64
	max      uint32
	none     *Context
	logger   *zap.Logger
}

// NewManager creates a Manager accepting client ids 1..maxClients.
func NewManager(maxClients int, logger *zap.Logger) *Manager {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	none := newContext(0, 0)
	none.none = true
	return &Manager{
		sessions: make(map[uint32]*Context),
		connects: make(map[uint32]int),
		max:      uint32(maxClients),
		none:     none,
		logger:   logger,
	}
}

// MaxClients returns the highest accepted client id.
func (m *Manager) MaxClients() int { return int(m.max) }

// Create starts a session for id. A session still registered under the same
// id is destroyed first (missed disconnect).
func (m *Manager) Create(id uint32) (*Context, error) {
	if id == 0 || id > m.max {
		return nil, fmt.Errorf("session: create %d: %w (max %d)", id, ErrInvalidID, m.max)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[id]; ok {
		old.destroyed.Store(true)
		m.logger.Warn("duplicate session displaced",
			zap.Uint32("client_id", id),
			zap.Uint64("generation", old.generation))
	}
	m.gen++
	m.connects[id]++
	c := newContext(id, m.gen)
	c.connects = m.connects[id]
	m.sessions[id] = c
	m.logger.Debug("session created", zap.Uint32("client_id", id), zap.Uint64("generation", c.generation))
	return c, nil
}

// Lookup returns the live session for id or ErrNotFound.
func (m *Manager) Lookup(id uint32) (*Context, error) {
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("session lookup miss", zap.Uint32("client_id", id))
		return nil, ErrNotFound
	}
	return c, nil
}

// Destroy ends the session for id. It reports whether a session existed.
func (m *Manager) Destroy(id uint32) bool {
	m.mu.Lock()
	c, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.destroyed.Store(true)
	m.logger.Debug("session destroyed", zap.Uint32("client_id", id), zap.Uint64("generation", c.generation))
	return true
}

// None returns the stand-in used for sessionless events. Mutations on it are
// ignored.
func (m *Manager) None() *Context { return m.none }

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns the live sessions ordered by client id.
func (m *Manager) All() []*Context {
	m.mu.RLock()
	out := make([]*Context, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Teardown destroys every session.
func (m *Manager) Teardown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint32]*Context)
	m.mu.Unlock()

	for _, c := range sessions {
		c.destroyed.Store(true)
	}
	m.logger.Info("session table cleared", zap.Int("count", len(sessions)))
}
