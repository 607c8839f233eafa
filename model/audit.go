package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records plugin lifecycle actions, handler faults and admin
// operations.
type AuditLog struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string         `gorm:"index:idx_audit_trace;size:36" json:"trace_id"`
	Plugin     string         `gorm:"index:idx_audit_plugin;size:64" json:"plugin"`
	Kind       string         `gorm:"size:64" json:"kind"`
	ClientID   uint32         `json:"client_id"`
	Action     string         `gorm:"size:64;not null" json:"action"`
	Detail     datatypes.JSON `json:"detail"`
	Error      string         `gorm:"type:text" json:"error"`
	IP         string         `gorm:"size:45" json:"ip"`
	DurationMs int            `json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Audit actions.
const (
	ActionPluginLoad      = "plugin.load"
	ActionPluginLoadError = "plugin.load_error"
	ActionPluginUnload    = "plugin.unload"
	ActionPluginReload    = "plugin.reload"
	ActionPluginFault     = "plugin.fault"
	ActionPluginCleared   = "plugin.clear_degraded"
	ActionInterceptError  = "intercept.error"
	ActionAdminLogin      = "admin.login"
)
