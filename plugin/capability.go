package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Capabilities is the registry of named tables plugins export to each other.
type Capabilities struct {
	mu     sync.RWMutex
	tables map[string]map[string]any // owner → name → table
}

func NewCapabilities() *Capabilities {
	return &Capabilities{tables: make(map[string]map[string]any)}
}

// Export publishes table under owner/name.
func (c *Capabilities) Export(owner, name string, table any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[owner]
	if t == nil {
		t = make(map[string]any)
		c.tables[owner] = t
	}
	if _, ok := t[name]; ok {
		return fmt.Errorf("plugin %s: %s: %w", owner, name, ErrCapabilityExists)
	}
	t[name] = table
	return nil
}

// Lookup returns the table owner exported under name.
func (c *Capabilities) Lookup(owner, name string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.tables[owner][name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("plugin %s: %s: %w", owner, name, ErrCapabilityNotFound)
}

// RemoveOwner withdraws every table of owner.
func (c *Capabilities) RemoveOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, owner)
}

// Names lists the names exported by owner.
func (c *Capabilities) Names(owner string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables[owner]))
	for n := range c.tables[owner] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
