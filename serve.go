package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/hookhost/api/rest"
	"github.com/kasuganosora/hookhost/api/sse"
	"github.com/kasuganosora/hookhost/audit"
	"github.com/kasuganosora/hookhost/cache"
	"github.com/kasuganosora/hookhost/config"
	"github.com/kasuganosora/hookhost/core"
	dbadapter "github.com/kasuganosora/hookhost/db"
	"github.com/kasuganosora/hookhost/host"
	mw "github.com/kasuganosora/hookhost/middleware"
	"github.com/kasuganosora/hookhost/model"
	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/plugin/script"
	"github.com/kasuganosora/hookhost/plugins/antiflood"
	"github.com/kasuganosora/hookhost/plugins/tempban"
	"github.com/kasuganosora/hookhost/scheduler"
	"github.com/kasuganosora/hookhost/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach to the host image, load plugins and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger, closeLog, err := newLogger(cfg.Log, cfg.Server.Debug)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer closeLog()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database / Audit ----
	db, err := dbadapter.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	backend, err := cache.Open(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer backend.Close()
	c, pubsub := backend.Cache, backend.PubSub
	logger.Info("cache ready", zap.Bool("redis", backend.Remote))

	sched := scheduler.New(logger)
	defer sched.Stop()
	if keep := cfg.Database.AuditRetention; keep > 0 {
		sched.AddTicker("audit.prune", time.Hour, func() {
			pctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := auditSvc.Prune(pctx, time.Now().Add(-keep))
			if err != nil {
				logger.Warn("audit prune", zap.Error(err))
			} else if n > 0 {
				logger.Info("audit pruned", zap.Int64("rows", n))
			}
		})
	}

	// ---- Plugin host ----
	sessions := session.NewManager(cfg.Host.MaxClients, logger)
	registry := hook.NewRegistry(logger)
	catalog := plugin.NewCatalog()
	for _, def := range []plugin.Definition{tempban.Definition(), antiflood.Definition()} {
		if err := catalog.Register(def); err != nil {
			return err
		}
	}
	scriptOpts := script.Options{Timeout: cfg.Script.Timeout, Logger: logger.Named("script")}
	defs, errs := script.Discover(cfg.Plugins.Dir, scriptOpts)
	for _, err := range errs {
		logger.Warn("script plugin skipped", zap.Error(err))
	}
	for _, def := range defs {
		if err := catalog.Register(def); err != nil {
			logger.Warn("script plugin skipped", zap.String("plugin", def.Manifest.ID), zap.Error(err))
		}
	}

	plugins := plugin.NewManager(plugin.Options{
		Catalog:      catalog,
		Registry:     registry,
		Sessions:     sessions,
		Cache:        c,
		PubSub:       pubsub,
		Scheduler:    sched,
		Audit:        auditSvc,
		DrainTimeout: cfg.Plugins.DrainTimeout,
		Logger:       logger,
	})
	disp := hook.NewDispatcher(registry, sessions, logger,
		hook.WithFaultReporter(plugins),
		hook.WithMaxDepth(cfg.Host.MaxDispatchDepth))

	image, err := openImage(cfg.Host, logger)
	if err != nil {
		return err
	}
	entries := make([]plugin.Entry, 0, len(cfg.Plugins.Load))
	for _, e := range cfg.Plugins.Load {
		entries = append(entries, plugin.Entry{ID: e.ID, Settings: plugin.Settings(e.Settings)})
	}
	rt := core.New(core.Options{
		Image:      image,
		Version:    cfg.Host.Version,
		Sessions:   sessions,
		Dispatcher: disp,
		Plugins:    plugins,
		Load:       entries,
		Logger:     logger,
	})
	if err := rt.Init(ctx); err != nil {
		// Plugins that failed are reported individually; the host keeps running.
		logger.Warn("runtime started with plugin load errors", zap.Error(err))
	}
	for _, st := range rt.Status() {
		if st.Error != "" {
			auditSvc.Log(audit.Entry{Kind: string(st.Kind), Action: model.ActionInterceptError, Error: st.Error,
				Detail: map[string]string{"symbol": st.Symbol, "signature": st.Signature}})
		}
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Teardown(tctx); err != nil {
			logger.Error("runtime teardown", zap.Error(err))
		}
	}()

	if cfg.Plugins.Watch {
		w, err := script.NewWatcher(cfg.Plugins.Dir, plugins, scriptOpts)
		if err != nil {
			logger.Warn("script watcher disabled", zap.Error(err))
		} else {
			defer w.Close()
		}
	}

	// ---- Admin HTTP ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "plugins": len(plugins.Loaded()), "sessions": sessions.Count()})
	})

	authH := apirest.NewAuthHandler(cfg.Server.AdminKey, c, cfg.Security, auditSvc, logger)
	deps := apirest.AdminDeps{
		Plugins:    plugins,
		Dispatcher: disp,
		Bindings:   rt,
		Sessions:   sessions,
		Scheduler:  sched,
		Audit:      auditSvc,
		Logger:     logger,
	}
	if cfg.Server.Debug {
		deps.Host = rt
	}
	adminH := apirest.NewAdminHandler(deps)
	sseH := sse.NewHandler(pubsub, logger)

	admin := r.Group("/api/admin",
		mw.IPWhitelist(cfg.Security.AdminIPs),
		mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	admin.POST("/token", authH.Token)
	authed := admin.Group("", mw.Auth(cfg.Security, c))
	authed.POST("/logout", authH.Logout)
	authed.GET("/notices", sseH.ServeNotices)
	adminH.Register(authed)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Cancelled on shutdown so notice streams end.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openImage loads the configured symbol map, or describes the default
// bindings when there is none, and builds a dry-run image from it.
func openImage(cfg config.HostConfig, logger *zap.Logger) (*host.Image, error) {
	bindings := core.DefaultBindings()
	m := core.SymbolMap(cfg.Version, bindings)
	if cfg.SymbolMap != "" {
		loaded, err := host.LoadSymbolMap(cfg.SymbolMap)
		switch {
		case err == nil:
			m = loaded
		case errors.Is(err, os.ErrNotExist):
			logger.Info("no symbol map, using built-in layout", zap.String("path", cfg.SymbolMap))
		default:
			return nil, err
		}
	}
	im, err := host.NewDryRunImage(m, core.Neutral(bindings), logger.Named("host"))
	if err != nil {
		return nil, fmt.Errorf("host image: %w", err)
	}
	logger.Info("host image ready", zap.String("version", m.Version), zap.Int("symbols", len(m.Symbols)))
	return im, nil
}
