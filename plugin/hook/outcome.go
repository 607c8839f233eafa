package hook

import "fmt"

// Action is the control decision of one handler.
type Action uint8

const (
	ActContinue Action = iota
	ActSkip
	ActOverride
)

func (a Action) String() string {
	switch a {
	case ActSkip:
		return "skip"
	case ActOverride:
		return "override"
	}
	return "continue"
}

// Outcome is what a handler returns to the dispatcher.
type Outcome struct {
	action   Action
	value    any
	hasValue bool
}

// Continue defers to the next handler, then to the host.
func Continue() Outcome { return Outcome{} }

// Skip suppresses the host call; the host receives the kind's skip default.
func Skip() Outcome { return Outcome{action: ActSkip} }

// SkipWith suppresses the host call and hands v to the host.
func SkipWith(v any) Outcome { return Outcome{action: ActSkip, value: v, hasValue: true} }

// Override stops the pass and returns v in place of the host result.
func Override(v any) Outcome { return Outcome{action: ActOverride, value: v, hasValue: true} }

func (o Outcome) Action() Action { return o.action }

func (o Outcome) Value() (any, bool) { return o.value, o.hasValue }

func (o Outcome) String() string {
	if o.hasValue {
		return fmt.Sprintf("%s(%v)", o.action, o.value)
	}
	return o.action.String()
}
