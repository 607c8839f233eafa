package plugin

// State is the lifecycle state of a plugin.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	// StateUnloading lasts until the plugin's in-flight handlers drained.
	StateUnloading
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloading:
		return "unloading"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// busy reports whether a new Load must be refused.
func (s State) busy() bool {
	return s == StateLoading || s == StateLoaded || s == StateUnloading
}
