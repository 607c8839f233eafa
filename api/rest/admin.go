package rest

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/hookhost/audit"
	"github.com/kasuganosora/hookhost/core"
	mw "github.com/kasuganosora/hookhost/middleware"
	"github.com/kasuganosora/hookhost/plugin"
	"github.com/kasuganosora/hookhost/plugin/hook"
	"github.com/kasuganosora/hookhost/scheduler"
	"github.com/kasuganosora/hookhost/session"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// BindingSource reports the install state of the host intercepts.
type BindingSource interface {
	Status() []core.BindingStatus
}

// HostCaller enters a host function the way the server engine does.
type HostCaller interface {
	Call(ctx context.Context, kind hook.Kind, args hook.Args) (any, error)
}

// AdminHandler serves the plugin host console.
// Routes should be protected by middleware.Auth.
type AdminHandler struct {
	plugins  *plugin.Manager
	disp     *hook.Dispatcher
	bindings BindingSource
	host     HostCaller
	sessions *session.Manager
	sched    *scheduler.Scheduler
	audit    *audit.Service
	logger   *zap.Logger
}

// AdminDeps wires an AdminHandler. Bindings, Host, Scheduler and Audit may
// be nil. Without Host the simulate route is not mounted.
type AdminDeps struct {
	Plugins    *plugin.Manager
	Dispatcher *hook.Dispatcher
	Bindings   BindingSource
	Host       HostCaller
	Sessions   *session.Manager
	Scheduler  *scheduler.Scheduler
	Audit      *audit.Service
	Logger     *zap.Logger
}

func NewAdminHandler(d AdminDeps) *AdminHandler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &AdminHandler{
		plugins:  d.Plugins,
		disp:     d.Dispatcher,
		bindings: d.Bindings,
		host:     d.Host,
		sessions: d.Sessions,
		sched:    d.Scheduler,
		audit:    d.Audit,
		logger:   d.Logger.Named("admin"),
	}
}

// Register mounts every console route on g.
func (h *AdminHandler) Register(g gin.IRoutes) {
	g.GET("/plugins", h.ListPlugins)
	g.POST("/plugins/:id/load", h.LoadPlugin)
	g.POST("/plugins/:id/unload", h.UnloadPlugin)
	g.POST("/plugins/:id/reload", h.ReloadPlugin)
	g.POST("/plugins/:id/clear-degraded", h.ClearDegraded)
	g.GET("/events", h.Events)
	g.GET("/sessions", h.ListSessions)
	g.GET("/faults", h.Faults)
	g.GET("/metrics", h.Metrics)
	if h.host != nil {
		g.POST("/simulate/:kind", h.Simulate)
	}
}

// ListPlugins returns every plugin the host knows: the records of plugins
// that were loaded at least once and the catalog of loadable modules.
// GET /api/admin/plugins
func (h *AdminHandler) ListPlugins(c *gin.Context) {
	records := h.plugins.List()
	infos := make([]plugin.RecordInfo, 0, len(records))
	for _, r := range records {
		infos = append(infos, r.Info())
	}
	c.JSON(http.StatusOK, gin.H{
		"plugins":    infos,
		"load_order": h.plugins.Loaded(),
		"catalog":    h.plugins.Catalog().Manifests(),
	})
}

type loadRequest struct {
	Settings map[string]any `json:"settings"`
}

// LoadPlugin loads a catalog module. Without a settings body the settings of
// the previous load are reused.
// POST /api/admin/plugins/:id/load
func (h *AdminHandler) LoadPlugin(c *gin.Context) {
	id := c.Param("id")
	var req loadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	settings := plugin.Settings(req.Settings)
	if settings == nil {
		if rec, ok := h.plugins.Get(id); ok {
			settings = rec.Settings()
		}
	}
	rec, err := h.plugins.Load(c.Request.Context(), id, settings)
	if err != nil {
		h.fail(c, id, "load", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": rec.Info()})
}

// UnloadPlugin handles POST /api/admin/plugins/:id/unload.
func (h *AdminHandler) UnloadPlugin(c *gin.Context) {
	id := c.Param("id")
	err := h.plugins.Unload(c.Request.Context(), id)
	if errors.Is(err, plugin.ErrDrainTimeout) {
		// Unregistered already; the module shuts down once its handlers return.
		c.JSON(http.StatusAccepted, gin.H{"ok": true, "pending": true})
		return
	}
	if err != nil {
		h.fail(c, id, "unload", err)
		return
	}
	h.logger.Info("plugin unloaded by admin", zap.String("plugin", id), zap.String("subject", mw.GetSubject(c)))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ReloadPlugin handles POST /api/admin/plugins/:id/reload.
func (h *AdminHandler) ReloadPlugin(c *gin.Context) {
	id := c.Param("id")
	if err := h.plugins.Reload(c.Request.Context(), id); err != nil {
		h.fail(c, id, "reload", err)
		return
	}
	rec, _ := h.plugins.Get(id)
	c.JSON(http.StatusOK, gin.H{"plugin": rec.Info()})
}

// ClearDegraded handles POST /api/admin/plugins/:id/clear-degraded.
func (h *AdminHandler) ClearDegraded(c *gin.Context) {
	id := c.Param("id")
	if err := h.plugins.ClearDegraded(id); err != nil {
		h.fail(c, id, "clear-degraded", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// fail maps a lifecycle error to a response.
func (h *AdminHandler) fail(c *gin.Context, id, op string, err error) {
	status := http.StatusUnprocessableEntity
	var le *plugin.LoadError
	switch {
	case errors.Is(err, plugin.ErrUnknownModule):
		status = http.StatusNotFound
	case errors.Is(err, plugin.ErrNotLoaded):
		status = http.StatusNotFound
	case errors.Is(err, plugin.ErrAlreadyLoaded), errors.Is(err, plugin.ErrInUse):
		status = http.StatusConflict
	}
	body := gin.H{"error": err.Error()}
	if errors.As(err, &le) {
		body["reason"] = le.Reason
	}
	h.logger.Warn("admin plugin operation failed",
		zap.String("plugin", id),
		zap.String("op", op),
		zap.String("trace_id", mw.GetTraceID(c)),
		zap.Error(err))
	c.JSON(status, body)
}

type eventInfo struct {
	Kind     hook.Kind        `json:"kind"`
	Result   string           `json:"result"`
	After    hook.Kind        `json:"after,omitempty"`
	Handlers []hook.EntryInfo `json:"handlers"`
	Stats    hook.KindStats   `json:"stats"`
}

// Events lists every event kind with its handlers in dispatch order, the
// dispatch counters and the install state of the host bindings.
// GET /api/admin/events
func (h *AdminHandler) Events(c *gin.Context) {
	handlers := h.plugins.Registry().Introspect()
	stats := h.disp.Stats()
	kinds := hook.Kinds()
	out := make([]eventInfo, 0, len(kinds))
	for _, k := range kinds {
		desc, _ := hook.Describe(k)
		hs := handlers[k]
		if hs == nil {
			hs = []hook.EntryInfo{}
		}
		out = append(out, eventInfo{
			Kind:     k,
			Result:   desc.Result.String(),
			After:    desc.After,
			Handlers: hs,
			Stats:    stats[k],
		})
	}
	resp := gin.H{"events": out}
	if h.bindings != nil {
		resp["bindings"] = h.bindings.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// ListSessions returns a snapshot of the live client sessions.
// GET /api/admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	all := h.sessions.All()
	infos := make([]session.Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos), "max": h.sessions.MaxClients()})
}

// Faults returns the newest handler faults and, when auditing is on, the
// matching audit rows.
// GET /api/admin/faults?limit=50&plugin=id
func (h *AdminHandler) Faults(c *gin.Context) {
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	pluginID := c.Query("plugin")

	faults, err := h.plugins.RecentFaults(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fault list unavailable"})
		return
	}
	if pluginID != "" {
		kept := faults[:0]
		for _, f := range faults {
			if f.Plugin == pluginID {
				kept = append(kept, f)
			}
		}
		faults = kept
	}
	if faults == nil {
		faults = []plugin.FaultInfo{}
	}
	resp := gin.H{"faults": faults}
	if h.audit != nil {
		rows, err := h.audit.Recent(c.Request.Context(), audit.Query{Plugin: pluginID, Limit: limit})
		if err != nil {
			h.logger.Warn("audit query failed", zap.Error(err))
		} else {
			resp["audit"] = rows
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Metrics returns host health counters.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	var calls, faults int64
	for _, s := range h.disp.Stats() {
		calls += s.Calls
		faults += s.Faults
	}
	degraded := 0
	for _, r := range h.plugins.List() {
		if r.Degraded() {
			degraded++
		}
	}
	resp := gin.H{
		"sessions":         h.sessions.Count(),
		"plugins_loaded":   len(h.plugins.Loaded()),
		"plugins_degraded": degraded,
		"dispatch_calls":   calls,
		"handler_faults":   faults,
	}
	if h.bindings != nil {
		disabled := 0
		for _, b := range h.bindings.Status() {
			if !b.Installed {
				disabled++
			}
		}
		resp["events_disabled"] = disabled
	}
	if h.sched != nil {
		resp["scheduler_tasks"] = h.sched.ListTickers()
	}
	c.JSON(http.StatusOK, resp)
}

// Simulate enters the host function of an event with the JSON body as its
// arguments and returns what the host call returned. Used with dry-run
// images to exercise plugins without a server engine.
// POST /api/admin/simulate/:kind
func (h *AdminHandler) Simulate(c *gin.Context) {
	kind := hook.Kind(c.Param("kind"))
	desc, ok := hook.Describe(kind)
	if !ok || desc.Notification {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown event kind"})
		return
	}
	args, ok := reflect.New(desc.Args.Elem()).Interface().(hook.Args)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event has no argument record"})
		return
	}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.host.Call(c.Request.Context(), kind, args)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out, "args": args})
}
