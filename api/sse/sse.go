// Package sse streams plugin host notices to the admin console.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/hookhost/cache"
	mw "github.com/kasuganosora/hookhost/middleware"
	"github.com/kasuganosora/hookhost/plugin"
	"go.uber.org/zap"
)

const keepalive = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub cache.PubSub
	logger *zap.Logger
}

func NewHandler(pubsub cache.PubSub, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, logger: logger.Named("sse")}
}

// ServeNotices handles GET /api/admin/notices. Mount it behind
// middleware.Auth; EventSource clients pass the token as ?token=.
// Every plugin notice (loaded, unloaded, degraded, ...) is sent as an event
// named after its type.
func (h *Handler) ServeNotices(c *gin.Context) {
	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, plugin.NoticeChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notice stream unavailable"})
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()
	h.logger.Debug("notice stream opened", zap.String("subject", mw.GetSubject(c)))

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", noticeType(msg.Payload), msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// noticeType extracts the type field of a JSON notice, "notice" when absent.
func noticeType(payload string) string {
	var n plugin.Notice
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.Type == "" {
		return "notice"
	}
	return n.Type
}
