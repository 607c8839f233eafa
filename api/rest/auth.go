package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/hookhost/audit"
	"github.com/kasuganosora/hookhost/cache"
	"github.com/kasuganosora/hookhost/config"
	mw "github.com/kasuganosora/hookhost/middleware"
	"github.com/kasuganosora/hookhost/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler issues and revokes admin console tokens.
type AuthHandler struct {
	adminKey string
	cache    cache.Cache
	sec      config.SecurityConfig
	audit    *audit.Service
	logger   *zap.Logger
}

// NewAuthHandler creates an AuthHandler. adminKey is either the key itself or
// its bcrypt hash. audit may be nil.
func NewAuthHandler(adminKey string, c cache.Cache, sec config.SecurityConfig, auditSvc *audit.Service, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{adminKey: adminKey, cache: c, sec: sec, audit: auditSvc, logger: logger}
}

type tokenRequest struct {
	Key     string `json:"key" binding:"required,max=128"`
	Subject string `json:"subject" binding:"omitempty,max=64"`
}

// checkKey compares key against the configured admin key.
func (h *AuthHandler) checkKey(key string) bool {
	if strings.HasPrefix(h.adminKey, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(h.adminKey), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(h.adminKey), []byte(key)) == 1
}

// Token handles POST /api/admin/token.
func (h *AuthHandler) Token(c *gin.Context) {
	if h.adminKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.checkKey(req.Key) {
		h.logger.Warn("admin token refused", zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = "admin"
	}

	token, claims, err := mw.GenerateToken(subject, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.TokenKey(claims.ID), subject, h.sec.JWTTTLH); err != nil {
		h.logger.Error("store admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if h.audit != nil {
		h.audit.Log(audit.Entry{
			TraceID: mw.GetTraceID(c),
			Action:  model.ActionAdminLogin,
			Detail:  gin.H{"subject": subject},
			IP:      c.ClientIP(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"subject":    subject,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// Logout handles POST /api/admin/logout. It revokes the calling token.
func (h *AuthHandler) Logout(c *gin.Context) {
	id := mw.GetTokenID(c)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.cache.Del(ctx, mw.TokenKey(id)); err != nil {
		h.logger.Error("token revocation failed", zap.String("token_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token not revoked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
