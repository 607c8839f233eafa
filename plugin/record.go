package plugin

import (
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/hookhost/plugin/hook"
)

// Record is the host's view of one plugin across its loads.
type Record struct {
	ID string

	mu          sync.RWMutex
	manifest    Manifest
	state       State
	settings    Settings
	module      Module
	private     *PrivateState
	kinds       map[hook.Kind]bool
	loads       int
	loadedAt    time.Time
	lastError   string
	degraded    bool
	faults      int
	lastFault   string
	lastFaultAt time.Time
}

func (r *Record) Manifest() Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Settings returns a copy of the configuration of the current or last load.
func (r *Record) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Clone()
}

// Private returns the private state of the current load, nil when unloaded.
func (r *Record) Private() *PrivateState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.private
}

func (r *Record) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

func (r *Record) Faults() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.faults
}

// begin resets the record for a new load.
func (r *Record) begin(m Manifest, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest = m
	r.state = StateLoading
	r.settings = s.Clone()
	r.private = newPrivateState()
	r.kinds = make(map[hook.Kind]bool)
	r.module = nil
	r.lastError = ""
	r.degraded = false
	r.faults = 0
	r.lastFault = ""
	r.lastFaultAt = time.Time{}
}

func (r *Record) loaded(mod Module, kinds []hook.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.module = mod
	for _, k := range kinds {
		r.kinds[k] = true
	}
	r.state = StateLoaded
	r.loads++
	r.loadedAt = time.Now()
}

func (r *Record) failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateFailed
	r.module = nil
	r.private = nil
	r.lastError = err.Error()
}

// released detaches the module; the caller shuts it down.
func (r *Record) released() Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod := r.module
	r.module = nil
	r.private = nil
	r.kinds = nil
	r.state = StateUnloaded
	return mod
}

func (r *Record) addKind(k hook.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kinds != nil {
		r.kinds[k] = true
	}
}

func (r *Record) markFault(f *hook.HandlerFault) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = true
	r.faults++
	r.lastFault = f.Error()
	r.lastFaultAt = f.At
	return r.faults
}

func (r *Record) clearDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.degraded
	r.degraded = false
	return was
}

// RecordInfo is the admin view of a Record.
type RecordInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Source      string      `json:"source"`
	Requires    []string    `json:"requires,omitempty"`
	State       State       `json:"state"`
	Events      []hook.Kind `json:"events"`
	Loads       int         `json:"loads"`
	LoadedAt    *time.Time  `json:"loaded_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Degraded    bool        `json:"degraded"`
	Faults      int         `json:"faults"`
	LastFault   string      `json:"last_fault,omitempty"`
	LastFaultAt *time.Time  `json:"last_fault_at,omitempty"`
}

func (r *Record) Info() RecordInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := RecordInfo{
		ID:        r.ID,
		Name:      r.manifest.Name,
		Version:   r.manifest.Version,
		Source:    r.manifest.Source,
		Requires:  r.manifest.Requires,
		State:     r.state,
		Events:    make([]hook.Kind, 0, len(r.kinds)),
		Loads:     r.loads,
		LastError: r.lastError,
		Degraded:  r.degraded,
		Faults:    r.faults,
		LastFault: r.lastFault,
	}
	for k := range r.kinds {
		info.Events = append(info.Events, k)
	}
	sort.Slice(info.Events, func(i, j int) bool { return info.Events[i] < info.Events[j] })
	if !r.loadedAt.IsZero() && r.state == StateLoaded {
		t := r.loadedAt
		info.LoadedAt = &t
	}
	if !r.lastFaultAt.IsZero() {
		t := r.lastFaultAt
		info.LastFaultAt = &t
	}
	return info
}
