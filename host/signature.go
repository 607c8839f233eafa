package host

import (
	"fmt"
	"strings"
)

// CallConv is the calling convention of a host function.
type CallConv int

const (
	Cdecl CallConv = iota
	Stdcall
	Thiscall
	Fastcall
)

func (c CallConv) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	case Fastcall:
		return "fastcall"
	default:
		return "unknown"
	}
}

// ParseCallConv parses the names produced by CallConv.String.
func ParseCallConv(s string) (CallConv, error) {
	switch strings.ToLower(strings.TrimPrefix(s, "__")) {
	case "cdecl", "":
		return Cdecl, nil
	case "stdcall":
		return Stdcall, nil
	case "thiscall":
		return Thiscall, nil
	case "fastcall":
		return Fastcall, nil
	}
	return Cdecl, fmt.Errorf("host: unknown calling convention %q", s)
}

// Signature is the ABI shape of a host function.
type Signature struct {
	Conv   CallConv
	Params []string
	Result string
}

// Equal reports whether two signatures describe the same ABI.
func (s Signature) Equal(o Signature) bool {
	if s.Conv != o.Conv || s.Result != o.Result || len(s.Params) != len(o.Params) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

func (s Signature) String() string {
	res := s.Result
	if res == "" {
		res = "void"
	}
	return fmt.Sprintf("%s __%s(%s)", res, s.Conv, strings.Join(s.Params, ", "))
}
