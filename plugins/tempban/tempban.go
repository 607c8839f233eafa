// Package tempban rejects logins of accounts banned for a limited time and
// lets other plugins ban through the "tempban" capability.
package tempban

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/session"
	"go.uber.org/zap"
)

const (
	ID         = "tempban"
	Capability = "tempban"

	DefaultDuration = 10 * time.Minute
	sweepInterval   = time.Minute
)

var ErrNoAccount = errors.New("tempban: client has no account")

// Banner is the capability exported to other plugins.
type Banner interface {
	// Ban bans the account of a connected client for d.
	Ban(ctx context.Context, client uint32, d time.Duration) error
	// BanAccount bans account for d.
	BanAccount(ctx context.Context, account string, d time.Duration) error
	// IsBanned reports whether account is banned and until when.
	IsBanned(ctx context.Context, account string) (bool, time.Time)
	Lift(ctx context.Context, account string) error
}

func Definition() plugin.Definition { return define(time.Now) }

func define(now func() time.Time) plugin.Definition {
	return plugin.Definition{
		Manifest: plugin.Manifest{
			ID:      ID,
			Name:    "Temporary bans",
			Version: "1.0",
			Events:  []hook.Kind{hook.Login},
		},
		New: func() (plugin.Module, error) { return &Module{now: now}, nil },
	}
}

// Module is one loaded instance. Bans live in the plugin store, so they
// survive reloads and host restarts when the store is Redis backed.
type Module struct {
	store    *plugin.Store
	sessions *session.Manager
	logger   *zap.Logger
	def      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

var _ Banner = (*Module)(nil)

func (m *Module) Init(ctx context.Context, api *plugin.API) error {
	m.store = api.Store()
	m.sessions = api.Sessions()
	m.logger = api.Logger()
	m.def = api.Settings().Duration("default_duration", DefaultDuration)
	if err := m.restore(ctx); err != nil {
		return err
	}
	if err := api.Export(Capability, Banner(m)); err != nil {
		return err
	}
	if err := api.Every("sweep", api.Settings().Duration("sweep_interval", sweepInterval), m.sweep); err != nil {
		return err
	}
	return api.Subscribe(hook.Login, -100, hook.Bind(m.onLogin))
}

func (m *Module) Shutdown(context.Context) error { return nil }

// restore loads the stored bans.
func (m *Module) restore(ctx context.Context) error {
	all, err := m.store.All(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until = make(map[string]time.Time, len(all))
	for account, raw := range all {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		m.until[account] = time.Unix(unix, 0)
	}
	return nil
}

func (m *Module) onLogin(ctx context.Context, call *hook.Call, args *hook.LoginArgs) (hook.Outcome, error) {
	banned, until := m.IsBanned(ctx, args.Account)
	if !banned {
		return hook.Continue(), nil
	}
	m.logger.Info("login refused, account banned",
		zap.String("account", args.Account),
		zap.Uint32("client_id", args.ClientID),
		zap.Time("until", until))
	call.Session.SetFlag(session.BanPending)
	return hook.SkipWith(hook.Reject), nil
}

func (m *Module) Ban(ctx context.Context, client uint32, d time.Duration) error {
	sess, err := m.sessions.Lookup(client)
	if err != nil {
		return err
	}
	account := sess.Account()
	if account == "" {
		return ErrNoAccount
	}
	sess.SetFlag(session.BanPending)
	return m.BanAccount(ctx, account, d)
}

func (m *Module) BanAccount(ctx context.Context, account string, d time.Duration) error {
	if d <= 0 {
		d = m.def
	}
	until := m.now().Add(d).Truncate(time.Second)
	m.mu.Lock()
	if cur, ok := m.until[account]; ok && cur.After(until) {
		m.mu.Unlock()
		return nil
	}
	m.until[account] = until
	m.mu.Unlock()

	m.logger.Info("account banned", zap.String("account", account), zap.Duration("for", d))
	return m.store.Set(ctx, account, strconv.FormatInt(until.Unix(), 10))
}

func (m *Module) IsBanned(_ context.Context, account string) (bool, time.Time) {
	if account == "" {
		return false, time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[account]
	if !ok || !m.now().Before(until) {
		return false, time.Time{}
	}
	return true, until
}

func (m *Module) Lift(ctx context.Context, account string) error {
	m.mu.Lock()
	delete(m.until, account)
	m.mu.Unlock()
	return m.store.Delete(ctx, account)
}

// sweep drops expired bans.
func (m *Module) sweep(ctx context.Context) {
	now := m.now()
	var expired []string
	m.mu.Lock()
	for account, until := range m.until {
		if !now.Before(until) {
			expired = append(expired, account)
			delete(m.until, account)
		}
	}
	m.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	if err := m.store.Delete(ctx, expired...); err != nil {
		m.logger.Warn("drop expired bans", zap.Error(err))
		return
	}
	m.logger.Debug("expired bans dropped", zap.Int("count", len(expired)))
}
