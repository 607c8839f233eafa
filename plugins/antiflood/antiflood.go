// Package antiflood mutes clients that chat faster than a configured rate
// and temp-bans repeat offenders.
package antiflood

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/plugins/tempban"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const ID = "antiflood"

// sessionKey holds a client's *client in its session.
const sessionKey = ID + ".client"

func Definition() plugin.Definition {
	return plugin.Definition{
		Manifest: plugin.Manifest{
			ID:       ID,
			Name:     "Chat flood protection",
			Version:  "1.0",
			Requires: []string{tempban.ID},
			Events:   []hook.Kind{hook.Chat},
		},
		New: func() (plugin.Module, error) { return &Module{}, nil },
	}
}

type config struct {
	rate     rate.Limit
	burst    int
	muteFor  time.Duration
	banAfter int // mutes before a ban, 0 never bans
	banFor   time.Duration
}

// client is the per-session flood state. It belongs to the session it was
// created for and disappears with it.
type client struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	mutes   int
}

type Module struct {
	cfg    config
	api    *plugin.API
	bans   tempban.Banner
	logger *zap.Logger
}

func (m *Module) Init(_ context.Context, api *plugin.API) error {
	s := api.Settings()
	m.cfg = config{
		rate:     rate.Limit(s.Float64("messages_per_second", 1)),
		burst:    s.Int("burst", 5),
		muteFor:  s.Duration("mute_for", 30*time.Second),
		banAfter: s.Int("ban_after", 3),
		banFor:   s.Duration("ban_for", 10*time.Minute),
	}
	if m.cfg.rate <= 0 || m.cfg.burst <= 0 {
		return fmt.Errorf("antiflood: messages_per_second and burst must be positive")
	}
	bans, err := plugin.Import[tempban.Banner](api, tempban.ID, tempban.Capability)
	if err != nil {
		return err
	}
	m.api = api
	m.bans = bans
	m.logger = api.Logger()
	return api.Subscribe(hook.Chat, -50, hook.Bind(m.onChat))
}

func (m *Module) Shutdown(context.Context) error { return nil }

func (m *Module) state(sess *session.Context) *client {
	if v, ok := sess.Value(sessionKey); ok {
		return v.(*client)
	}
	c := &client{limiter: rate.NewLimiter(m.cfg.rate, m.cfg.burst)}
	sess.SetValue(sessionKey, c)
	return c
}

func (m *Module) onChat(ctx context.Context, call *hook.Call, args *hook.ChatArgs) (hook.Outcome, error) {
	sess := call.Session
	if sess == nil || sess.IsNone() {
		return hook.Continue(), nil
	}
	if sess.Flags().Has(session.Muted) {
		return hook.Skip(), nil
	}
	c := m.state(sess)
	if c.limiter.Allow() {
		return hook.Continue(), nil
	}

	c.mu.Lock()
	c.mutes++
	mutes := c.mutes
	c.mu.Unlock()

	sess.SetFlag(session.Muted)
	m.logger.Info("client muted for flooding",
		zap.Uint32("client_id", args.ClientID),
		zap.String("account", sess.Account()),
		zap.Int("mutes", mutes))

	// The flooding message is dropped whatever happens below.
	if m.cfg.banAfter > 0 && mutes >= m.cfg.banAfter {
		err := m.bans.Ban(ctx, args.ClientID, m.cfg.banFor)
		if err == nil {
			return hook.Skip(), nil
		}
		m.logger.Warn("ban failed, muting instead",
			zap.Uint32("client_id", args.ClientID),
			zap.Error(err))
	}

	gen := sess.Generation()
	id := args.ClientID
	err := m.api.After(fmt.Sprintf("unmute:%d", id), m.cfg.muteFor, func(context.Context) {
		// The client may have reconnected into a new session meanwhile.
		if cur, err := m.api.Sessions().Lookup(id); err == nil && cur.Generation() == gen {
			cur.ClearFlag(session.Muted)
		}
	})
	if err != nil {
		m.logger.Warn("unmute timer not scheduled, client stays muted",
			zap.Uint32("client_id", id),
			zap.Error(err))
	}
	return hook.Skip(), nil
}
