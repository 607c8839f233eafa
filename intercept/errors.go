package intercept

import (
	"errors"
	"fmt"
)

var (
	ErrVersionMismatch   = errors.New("host version mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrAlreadyInstalled  = errors.New("target already intercepted")
	ErrForeignPatch      = errors.New("prologue already patched")
	ErrInsufficientSpace = errors.New("function too short for a jump")
	ErrNotInstalled      = errors.New("intercept point not installed")
)

// ResolutionError reports that a target could not be located or its prologue
// could not be rewritten safely. The dependent feature must not start.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("intercept: resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConsistencyError reports that the bytes at an intercept point no longer
// match what Install wrote. Continuing could corrupt host control flow.
type ConsistencyError struct {
	Target string
	Addr   uintptr
	Want   []byte
	Got    []byte
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("intercept: %s at 0x%x modified externally: want % x, got % x",
		e.Target, e.Addr, e.Want, e.Got)
}
