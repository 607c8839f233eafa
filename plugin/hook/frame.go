package hook

import (
	"context"

	"github.com/kasuganosora/hookhost/session"
)

type frameKey struct{}

// frame is one dispatch pass on the current call chain. Frames are linked
// through context so a nested dispatch can see what its callers hold.
type frame struct {
	parent  *frame
	kind    Kind
	sess    *session.Context
	locked  bool
	depth   int
	current string // plugin whose handler is running
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

func (f *frame) holds(s *session.Context) bool {
	for ; f != nil; f = f.parent {
		if f.locked && f.sess == s {
			return true
		}
	}
	return false
}

func (f *frame) level() int {
	if f == nil {
		return 0
	}
	return f.depth
}

// OnStack reports whether a handler of plugin is running on the call chain of
// ctx.
func OnStack(ctx context.Context, plugin string) bool {
	for f := frameFrom(ctx); f != nil; f = f.parent {
		if f.current == plugin {
			return true
		}
	}
	return false
}

// Depth returns how many dispatch passes are nested on the call chain of ctx.
func Depth(ctx context.Context) int {
	return frameFrom(ctx).level()
}
