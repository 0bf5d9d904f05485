package handlers

import (
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/realtime"
)

type RealtimeHandler struct {
	log            *logger.Logger
	hub            *realtime.Hub
	originPatterns []string
}

// NewRealtimeHandler wires the WS entry point. allowedOrigins are the
// CORS origins; only their host parts matter for the upgrade check.
func NewRealtimeHandler(baseLog *logger.Logger, hub *realtime.Hub, allowedOrigins []string) *RealtimeHandler {
	return &RealtimeHandler{
		log:            baseLog.With("handler", "RealtimeHandler"),
		hub:            hub,
		originPatterns: originHosts(allowedOrigins),
	}
}

// Connect upgrades GET /ws/connect. Auth already ran (token query
// param); the connection then speaks the subscribe/ping protocol until
// either side closes.
func (h *RealtimeHandler) Connect(c *gin.Context) {
	userID := middleware.UserID(c)
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Debug("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	client := h.hub.NewClient(userID)
	h.log.Info("ws connected", "user_id", userID, "client_id", client.ID)
	h.hub.ServeWS(c.Request.Context(), conn, client)
	h.log.Info("ws disconnected", "user_id", userID, "client_id", client.ID)
}

func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		o = strings.TrimPrefix(o, "http://")
		o = strings.TrimPrefix(o, "https://")
		if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}
