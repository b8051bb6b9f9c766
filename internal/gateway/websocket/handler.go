package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
)

// Handler upgrades observer connections.
type Handler struct {
	hub      *Hub
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a handler. Observers are read-only, so any origin may
// connect.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and serves the observer until it
// disconnects. A call_id query parameter (comma separated, or "*")
// subscribes the observer right away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("Observer connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	for _, callID := range strings.Split(c.Query("call_id"), ",") {
		if callID = strings.TrimSpace(callID); callID != "" {
			h.hub.SubscribeToCall(client, callID)
		}
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
