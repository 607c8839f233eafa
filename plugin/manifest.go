package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kasuganosora/hookhost/plugin/hook"
)

// Module is the entry-point contract of an extension module.
type Module interface {
	// Init declares subscriptions and reads settings through api.
	Init(ctx context.Context, api *API) error
	// Shutdown runs after the plugin's handlers drained.
	Shutdown(ctx context.Context) error
}

// Manifest describes a module.
type Manifest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"` // native | script
	// Requires lists plugins that must be loaded first. Only these may be
	// imported from.
	Requires []string `json:"requires,omitempty"`
	// Events lists kinds the module promises to handle. Init must subscribe
	// to each of them.
	Events []hook.Kind `json:"events,omitempty"`
}

// Definition is a loadable module: its manifest and a constructor producing a
// fresh instance for every load.
type Definition struct {
	Manifest Manifest
	New      func() (Module, error)
}

// Catalog holds the modules known to the host.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition.
func (c *Catalog) Register(def Definition) error {
	if def.Manifest.ID == "" {
		return fmt.Errorf("plugin: definition without id")
	}
	if def.New == nil {
		return fmt.Errorf("plugin %s: definition without constructor", def.Manifest.ID)
	}
	if def.Manifest.Source == "" {
		def.Manifest.Source = "native"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Manifest.ID] = def
	return nil
}

func (c *Catalog) Lookup(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	return d, ok
}

// Manifests returns every known manifest sorted by id.
func (c *Catalog) Manifests() []Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Manifest, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d.Manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
