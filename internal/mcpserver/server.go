// Package mcpserver exposes the configured remote agents as MCP tools.
// It serves both the SSE (/sse, /message) and Streamable HTTP (/mcp) transports.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/proxy"
	"github.com/kandev/agentproxy/pkg/remote"
)

const (
	serverName    = "agentproxy-mcp"
	serverVersion = "1.0.0"
)

// Config holds the MCP server configuration.
type Config struct {
	Port int // 0 picks a free port
}

// AgentCaller is the part of the proxy service the tools need.
type AgentCaller interface {
	Agents() []proxy.AgentInfo
	Call(ctx context.Context, req proxy.Request) (*remote.CallResult, error)
}

// Server wraps the SSE and Streamable HTTP servers with lifecycle management.
type Server struct {
	cfg                  Config
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP server backed by caller.
func New(cfg Config, caller AgentCaller, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "mcp_server"))

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, caller, log)

	return &Server{
		cfg:       cfg,
		mcpServer: mcpServer,
		sseServer: server.NewSSEServer(mcpServer),
		streamableHTTPServer: server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
		),
		logger: log,
	}
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler routes both transports on one mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)
	return mux
}

// Start starts the MCP server in a goroutine and returns when it's listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
	}
	if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
	}
	return nil
}

// Port returns the port the server listens on once started.
func (s *Server) Port() int {
	return s.cfg.Port
}

// SSEEndpoint returns the full SSE URL.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
