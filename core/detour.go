package core

import (
	"context"
	"fmt"

	"github.com/kasuganosora/hookhost/host"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

// detour is the function the host jumps to instead of bd's target.
func (r *Runtime) detour(bd *bound) host.Fn {
	desc, _ := hook.Describe(bd.Kind)
	return func(ctx context.Context, raw any) any {
		p := bd.point.Load()
		if p == nil {
			// Host called in before Install returned.
			return desc.SkipDefault
		}
		args, ok := raw.(hook.Args)
		if !ok || !desc.Accepts(args) {
			r.logger.Warn("unexpected host arguments, calling original",
				zap.String("kind", string(bd.Kind)),
				zap.String("args", fmt.Sprintf("%T", raw)))
			return r.layer.InvokeOriginal(ctx, p, raw)
		}
		original := func(ctx context.Context, a hook.Args) any {
			res := r.layer.InvokeOriginal(ctx, p, a)
			r.bookkeep(bd.Kind, a, res)
			return res
		}

		switch a := args.(type) {
		case *hook.ConnectArgs:
			return r.connect(ctx, a, original)
		case *hook.DisconnectArgs:
			return r.disconnect(ctx, a, original)
		}
		res := r.disp.Dispatch(ctx, bd.Kind, args, original)
		if desc.After != "" {
			r.disp.Notify(ctx, desc.After, args, res)
		}
		return res
	}
}

// connect creates the session before any handler sees the client. A
// rejected connect leaves no session behind.
func (r *Runtime) connect(ctx context.Context, a *hook.ConnectArgs, original hook.Original) any {
	if a.ClientID == 0 || int(a.ClientID) > r.sessions.MaxClients() {
		r.logger.Warn("connect rejected, client id out of range",
			zap.Uint32("client_id", a.ClientID),
			zap.Int("max_clients", r.sessions.MaxClients()))
		return hook.Reject
	}
	if _, err := r.sessions.Create(a.ClientID); err != nil {
		r.logger.Error("connect rejected", zap.Uint32("client_id", a.ClientID), zap.Error(err))
		return hook.Reject
	}
	res := r.disp.Dispatch(ctx, hook.Connect, a, original)
	r.disp.Notify(ctx, hook.ConnectAfter, a, res)
	if v, ok := res.(hook.Verdict); !ok || v != hook.Accept {
		r.sessions.Destroy(a.ClientID)
	}
	return res
}

// disconnect ends the session once every handler and the host ran.
func (r *Runtime) disconnect(ctx context.Context, a *hook.DisconnectArgs, original hook.Original) any {
	res := r.disp.Dispatch(ctx, hook.Disconnect, a, original)
	r.sessions.Destroy(a.ClientID)
	return res
}

// bookkeep records what the host just did in the client's session.
func (r *Runtime) bookkeep(kind hook.Kind, args hook.Args, res any) {
	if args.Client() == 0 {
		return
	}
	sess, err := r.sessions.Lookup(args.Client())
	if err != nil {
		return
	}
	accepted := res == hook.Accept
	switch a := args.(type) {
	case *hook.LoginArgs:
		if accepted {
			sess.SetAccount(a.Account)
			sess.SetFlag(session.InCharacterSelect)
		}
	case *hook.CharacterSelectArgs:
		if accepted {
			sess.SetCharacter(a.Character)
			sess.ClearFlag(session.InCharacterSelect)
		}
	case *hook.BaseArgs:
		if kind == hook.BaseEnter {
			sess.Dock(a.BaseID)
		} else {
			sess.Undock()
		}
	case *hook.LaunchArgs:
		sess.SetShip(a.ShipID)
		sess.SetSystem(a.SystemID)
	}
}
