package hook

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Kind identifies a host event with a fixed argument schema.
type Kind string

const (
	Connect         Kind = "connect"
	Login           Kind = "login"
	CharacterSelect Kind = "character_select"
	Disconnect      Kind = "disconnect"
	BaseEnter       Kind = "base_enter"
	BaseExit        Kind = "base_exit"
	Launch          Kind = "launch"
	Damage          Kind = "damage"
	Chat            Kind = "chat"
	CashTransfer    Kind = "cash_transfer"

	ConnectAfter         Kind = "connect_after"
	LoginAfter           Kind = "login_after"
	CharacterSelectAfter Kind = "character_select_after"
	BaseEnterAfter       Kind = "base_enter_after"
	BaseExitAfter        Kind = "base_exit_after"
	LaunchAfter          Kind = "launch_after"
	DamageAfter          Kind = "damage_after"
	ChatAfter            Kind = "chat_after"
	CashTransferAfter    Kind = "cash_transfer_after"
)

// Verdict is the result of the admission events (connect, login, character
// select).
type Verdict int

const (
	Accept Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "accept"
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// ParseVerdict accepts "accept"/"reject" in any case.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "ok":
		return Accept, nil
	case "reject", "deny":
		return Reject, nil
	}
	return Accept, fmt.Errorf("hook: invalid verdict %q", s)
}

// Args is the argument record of one host call. Handlers receive the same
// pointer the host detour built, so changes are seen by later handlers and by
// the original host code.
type Args interface {
	Client() uint32
}

type ConnectArgs struct {
	ClientID uint32 `json:"client_id"`
}

type LoginArgs struct {
	ClientID uint32 `json:"client_id"`
	Account  string `json:"account"`
}

type CharacterSelectArgs struct {
	ClientID  uint32 `json:"client_id"`
	Character string `json:"character"`
}

type DisconnectArgs struct {
	ClientID uint32 `json:"client_id"`
	Reason   string `json:"reason"`
}

// BaseArgs is shared by base_enter and base_exit.
type BaseArgs struct {
	ClientID uint32 `json:"client_id"`
	BaseID   uint32 `json:"base_id"`
}

type LaunchArgs struct {
	ClientID uint32 `json:"client_id"`
	ShipID   uint32 `json:"ship_id"`
	SystemID uint32 `json:"system_id"`
}

// DamageArgs describes hull damage dealt to the ship of ClientID. Inflictor is
// the attacking client, 0 for NPCs.
type DamageArgs struct {
	ClientID  uint32  `json:"client_id"`
	Inflictor uint32  `json:"inflictor"`
	ShipID    uint32  `json:"ship_id"`
	Amount    float32 `json:"amount"`
}

type ChatArgs struct {
	ClientID uint32 `json:"client_id"`
	To       uint32 `json:"to"`
	Message  string `json:"message"`
}

type CashTransferArgs struct {
	ClientID uint32 `json:"client_id"`
	Amount   int64  `json:"amount"`
}

func (a *ConnectArgs) Client() uint32         { return a.ClientID }
func (a *LoginArgs) Client() uint32           { return a.ClientID }
func (a *CharacterSelectArgs) Client() uint32 { return a.ClientID }
func (a *DisconnectArgs) Client() uint32      { return a.ClientID }
func (a *BaseArgs) Client() uint32            { return a.ClientID }
func (a *LaunchArgs) Client() uint32          { return a.ClientID }
func (a *DamageArgs) Client() uint32          { return a.ClientID }
func (a *ChatArgs) Client() uint32            { return a.ClientID }
func (a *CashTransferArgs) Client() uint32    { return a.ClientID }

// ResultType is the shape of the value an event returns to the host.
type ResultType uint8

const (
	ResultNone ResultType = iota
	ResultVerdict
	ResultFloat32
	ResultInt64
)

func (r ResultType) String() string {
	switch r {
	case ResultVerdict:
		return "verdict"
	case ResultFloat32:
		return "float32"
	case ResultInt64:
		return "int64"
	}
	return "void"
}

// Descriptor is the static schema of a Kind.
type Descriptor struct {
	Kind   Kind
	Args   reflect.Type
	Result ResultType
	// SkipDefault is returned to the host when a handler skips without a value.
	SkipDefault any
	// Session reports whether the event belongs to a client session.
	Session bool
	// After is the after-notification fired once the call completed.
	After Kind
	// Notification kinds run every handler and ignore outcomes.
	Notification bool
}

var descriptors = map[Kind]Descriptor{}

func describe(kind Kind, args Args, result ResultType, skip any, after Kind) {
	t := reflect.TypeOf(args)
	descriptors[kind] = Descriptor{
		Kind: kind, Args: t, Result: result, SkipDefault: skip, Session: true, After: after,
	}
	if after != "" {
		descriptors[after] = Descriptor{
			Kind: after, Args: t, Result: ResultNone, Session: true, Notification: true,
		}
	}
}

func init() {
	describe(Connect, (*ConnectArgs)(nil), ResultVerdict, Reject, ConnectAfter)
	describe(Login, (*LoginArgs)(nil), ResultVerdict, Reject, LoginAfter)
	describe(CharacterSelect, (*CharacterSelectArgs)(nil), ResultVerdict, Reject, CharacterSelectAfter)
	describe(Disconnect, (*DisconnectArgs)(nil), ResultNone, nil, "")
	describe(BaseEnter, (*BaseArgs)(nil), ResultNone, nil, BaseEnterAfter)
	describe(BaseExit, (*BaseArgs)(nil), ResultNone, nil, BaseExitAfter)
	describe(Launch, (*LaunchArgs)(nil), ResultNone, nil, LaunchAfter)
	describe(Damage, (*DamageArgs)(nil), ResultFloat32, float32(0), DamageAfter)
	describe(Chat, (*ChatArgs)(nil), ResultNone, nil, ChatAfter)
	describe(CashTransfer, (*CashTransferArgs)(nil), ResultInt64, int64(0), CashTransferAfter)
}

// Describe returns the descriptor of kind.
func Describe(kind Kind) (Descriptor, bool) {
	d, ok := descriptors[kind]
	return d, ok
}

// Kinds lists every known kind in name order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(descriptors))
	for k := range descriptors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Accepts reports whether args matches the kind's schema.
func (d Descriptor) Accepts(args Args) bool {
	return args != nil && reflect.TypeOf(args) == d.Args
}

// Coerce converts a handler-supplied value to the kind's result type.
func (d Descriptor) Coerce(v any) (any, error) {
	switch d.Result {
	case ResultNone:
		return nil, nil
	case ResultVerdict:
		switch x := v.(type) {
		case Verdict:
			return x, nil
		case bool:
			if x {
				return Accept, nil
			}
			return Reject, nil
		case string:
			return ParseVerdict(x)
		}
		n, err := cast.ToIntE(v)
		if err != nil || (n != int(Accept) && n != int(Reject)) {
			return nil, fmt.Errorf("hook: %s: cannot use %v (%T) as verdict", d.Kind, v, v)
		}
		return Verdict(n), nil
	case ResultFloat32:
		f, err := cast.ToFloat32E(v)
		if err != nil {
			return nil, fmt.Errorf("hook: %s: %w", d.Kind, err)
		}
		return f, nil
	case ResultInt64:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("hook: %s: %w", d.Kind, err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("hook: %s: unknown result type", d.Kind)
}
