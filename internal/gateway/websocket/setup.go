package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/events/bus"
)

// Gateway bundles the hub, its connection handler and the bus relay.
type Gateway struct {
	Hub         *Hub
	Handler     *Handler
	Broadcaster *CallEventBroadcaster
	logger      *logger.Logger
}

// NewGateway creates the WebSocket gateway and starts relaying call events
// from eventBus. The hub runs until ctx ends.
func NewGateway(ctx context.Context, eventBus bus.Subscriber, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	go hub.Run(ctx)

	return &Gateway{
		Hub:         hub,
		Handler:     NewHandler(hub, log),
		Broadcaster: RegisterCallNotifications(ctx, eventBus, hub, log),
		logger:      log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine
func (g *Gateway) SetupRoutes(router gin.IRouter) {
	router.GET("/ws", g.Handler.HandleConnection)
}
