package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownModule        = errors.New("unknown plugin module")
	ErrAlreadyLoaded        = errors.New("plugin is already loaded")
	ErrNotLoaded            = errors.New("plugin is not loaded")
	ErrInUse                = errors.New("plugin is required by a loaded plugin")
	ErrDependencyNotFound   = errors.New("plugin dependency not loaded")
	ErrCyclicDependency     = errors.New("cyclic plugin dependency")
	ErrUnimplemented        = errors.New("declared callback not implemented")
	ErrCapabilityNotFound   = errors.New("capability not found")
	ErrCapabilityExists     = errors.New("capability already exported")
	ErrUndeclaredDependency = errors.New("import from a plugin not listed in requires")
	ErrDrainTimeout         = errors.New("timed out waiting for in-flight handlers")
	ErrInitFinished         = errors.New("plugin init already finished")
)

// LoadReason classifies a LoadError.
type LoadReason string

const (
	ReasonUnknownModule     LoadReason = "unknown_module"
	ReasonAlreadyLoaded     LoadReason = "already_loaded"
	ReasonMissingDependency LoadReason = "missing_dependency"
	ReasonConstruct         LoadReason = "construct"
	ReasonInit              LoadReason = "init"
	ReasonUnimplemented     LoadReason = "unimplemented_callback"
	ReasonSubscribe         LoadReason = "subscribe"
)

// LoadError reports that one plugin could not be loaded. Other plugins are
// not affected.
type LoadError struct {
	Plugin string
	Reason LoadReason
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: load failed (%s): %v", e.Plugin, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(id string, reason LoadReason, err error) *LoadError {
	return &LoadError{Plugin: id, Reason: reason, Err: err}
}
