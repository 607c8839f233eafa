package hook

import (
	"fmt"
	"time"
)

// HandlerFault is a failure inside one plugin handler, captured by the
// dispatcher and attributed to the plugin.
type HandlerFault struct {
	Plugin     string
	Kind       Kind
	DispatchID string
	ClientID   uint32
	Err        error
	Panic      bool
	Stack      []byte
	At         time.Time
}

func (f *HandlerFault) Error() string {
	what := "error"
	if f.Panic {
		what = "panic"
	}
	return fmt.Sprintf("hook: plugin %s %s in %s handler (dispatch %s): %v",
		f.Plugin, what, f.Kind, f.DispatchID, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// FaultReporter receives every HandlerFault. It is called on the dispatching
// goroutine and must not block.
type FaultReporter interface {
	ReportFault(f *HandlerFault)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(f *HandlerFault)

func (fn FaultReporterFunc) ReportFault(f *HandlerFault) { fn(f) }
