package plugin

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Settings is the key/value configuration handed to a plugin's Init. Keys are
// case-insensitive, matching how they arrive from the config file.
type Settings map[string]any

func (s Settings) lookup(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	if v, ok := s[key]; ok {
		return v, true
	}
	v, ok := s[strings.ToLower(key)]
	return v, ok
}

func (s Settings) Has(key string) bool {
	_, ok := s.lookup(key)
	return ok
}

func (s Settings) String(key, def string) string {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToStringE(v); err == nil {
			return out
		}
	}
	return def
}

func (s Settings) Int(key string, def int) int {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToIntE(v); err == nil {
			return out
		}
	}
	return def
}

func (s Settings) Float64(key string, def float64) float64 {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToFloat64E(v); err == nil {
			return out
		}
	}
	return def
}

func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToBoolE(v); err == nil {
			return out
		}
	}
	return def
}

// Duration accepts Go duration strings ("90s") or integer nanoseconds.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToDurationE(v); err == nil {
			return out
		}
	}
	return def
}

func (s Settings) Strings(key string) []string {
	if v, ok := s.lookup(key); ok {
		if out, err := cast.ToStringSliceE(v); err == nil {
			return out
		}
	}
	return nil
}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
