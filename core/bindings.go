package core

import (
	"github.com/kasuganosora/hookhost/host"
	"github.com/kasuganosora/hookhost/intercept"
	"github.com/kasuganosora/hookhost/plugin/hook"
)

// Binding ties an event kind to the host function whose calls raise it.
type Binding struct {
	Kind   hook.Kind
	Target intercept.Target
}

func thiscall(result string, params ...string) host.Signature {
	return host.Signature{Conv: host.Thiscall, Params: params, Result: result}
}

// DefaultBindings are the server entry points of the supported host build.
func DefaultBindings() []Binding {
	return []Binding{
		{hook.Connect, intercept.Target{Symbol: "IServerImpl::OnConnect", Sig: thiscall("bool", "uint")}},
		{hook.Login, intercept.Target{Symbol: "IServerImpl::Login", Sig: thiscall("bool", "SLoginInfo const&", "uint")}},
		{hook.CharacterSelect, intercept.Target{Symbol: "IServerImpl::CharacterSelect", Sig: thiscall("bool", "CHARACTER_ID const&", "uint")}},
		{hook.Disconnect, intercept.Target{Symbol: "IServerImpl::DisConnect", Sig: thiscall("", "uint", "EFLConnection")}},
		{hook.BaseEnter, intercept.Target{Symbol: "IServerImpl::BaseEnter", Sig: thiscall("", "uint", "uint")}},
		{hook.BaseExit, intercept.Target{Symbol: "IServerImpl::BaseExit", Sig: thiscall("", "uint", "uint")}},
		{hook.Launch, intercept.Target{Symbol: "IServerImpl::PlayerLaunch", Sig: thiscall("", "uint", "uint")}},
		{hook.Damage, intercept.Target{Symbol: "ShipHullDamage", Sig: host.Signature{Conv: host.Fastcall, Params: []string{"Ship*", "float", "DamageList*"}, Result: "float"}}},
		{hook.Chat, intercept.Target{Symbol: "IServerImpl::SubmitChat", Sig: thiscall("", "CHAT_ID", "ulong", "void const*", "CHAT_ID", "int")}},
		{hook.CashTransfer, intercept.Target{Symbol: "AddCash", Sig: host.Signature{Conv: host.Cdecl, Params: []string{"uint", "int"}, Result: "int64"}}},
	}
}

// SymbolMap describes an image containing every binding, for running the
// hook host without a native loader.
func SymbolMap(version string, bindings []Binding) *host.SymbolMap {
	const base = 0x6000000
	m := &host.SymbolMap{Version: version, Base: base, Size: 0x10000}
	for i, b := range bindings {
		sig := b.Target.Sig
		m.Symbols = append(m.Symbols, host.SymbolEntry{
			Name:       b.Target.Symbol,
			Addr:       uint64(base + 0x100*(i+1)),
			Size:       64,
			Convention: sig.Conv.String(),
			Params:     sig.Params,
			Result:     sig.Result,
			Prologue:   "55 8B EC 83 EC 10",
		})
	}
	return m
}

// Neutral is what a stand-in host function returns: it accepts connections
// and logins and passes damage and cash amounts through unchanged.
func Neutral(bindings []Binding) func(symbol string, args any) any {
	kinds := make(map[string]hook.Kind, len(bindings))
	for _, b := range bindings {
		kinds[b.Target.Symbol] = b.Kind
	}
	return func(symbol string, args any) any {
		switch kinds[symbol] {
		case hook.Connect, hook.Login, hook.CharacterSelect:
			return hook.Accept
		case hook.Damage:
			if a, ok := args.(*hook.DamageArgs); ok {
				return a.Amount
			}
			return float32(0)
		case hook.CashTransfer:
			if a, ok := args.(*hook.CashTransferArgs); ok {
				return a.Amount
			}
			return int64(0)
		}
		return nil
	}
}
