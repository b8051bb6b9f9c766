// Package gateway serves the proxy over HTTP: agent calls, call history, MCP
// tool calls and a WebSocket stream of forwarded events.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentproxy/internal/common/httpmw"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/metrics"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/internal/gateway/websocket"
)

const serverName = "agentproxy-api"

// RouterOptions wires the router's collaborators. WebSocket, Bus and Metrics
// may be nil.
type RouterOptions struct {
	Handlers  *Handlers
	WebSocket *websocket.Gateway
	Bus       bus.EventBus
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(opts.Logger, serverName))
	if opts.Metrics != nil {
		router.Use(httpmw.Metrics(opts.Metrics))
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	router.GET("/health", func(c *gin.Context) {
		busConnected := opts.Bus != nil && opts.Bus.IsConnected()
		status := http.StatusOK
		state := "ok"
		if opts.Bus != nil && !busConnected {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":        state,
			"service":       "agentproxy",
			"bus_connected": busConnected,
		})
	})

	RegisterRoutes(router, opts.Handlers)
	if opts.WebSocket != nil {
		opts.WebSocket.SetupRoutes(router)
	}
	return router
}

// RegisterRoutes adds the /api/v1 routes.
func RegisterRoutes(router gin.IRouter, h *Handlers) {
	api := router.Group("/api/v1")
	api.GET("/agents", h.httpListAgents)
	api.POST("/calls", h.httpCall)
	api.POST("/calls/batch", h.httpCallBatch)
	api.GET("/calls", h.httpListCalls)
	api.GET("/calls/stats", h.httpCallStats)
	api.GET("/calls/:id", h.httpGetCall)
	api.GET("/mcp/:server/tools", h.httpListTools)
	api.POST("/mcp/:server/tools/:tool", h.httpCallTool)
}
