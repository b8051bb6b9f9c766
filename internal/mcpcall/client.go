// Package mcpcall calls tools on MCP servers over the SSE transport.
package mcpcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/tracing"
	"github.com/kandev/agentproxy/pkg/remote"
)

const (
	clientName    = "agentproxy"
	clientVersion = "1.0.0"
)

// ErrUnknownServer is returned for an MCP server that is not configured.
var ErrUnknownServer = errors.New("unknown mcp server")

// ToolInfo describes one tool offered by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Server    string    `json:"server"`
	Tool      string    `json:"tool"`
	Output    string    `json:"output"`
	IsError   bool      `json:"is_error"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Client manages sessions to the configured MCP servers. Servers configured
// with keepAlive reuse one session opened by Init; all other calls open a
// fresh session.
type Client struct {
	servers    map[string]config.MCPServerConfig
	httpClient *http.Client
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*client.Client
	tools    map[string][]ToolInfo
}

// NewClient creates a client for the given servers. Middlewares run on every
// HTTP request of every session, the SSE stream included.
func NewClient(servers map[string]config.MCPServerConfig, log *logger.Logger, middlewares ...remote.RequestMiddleware) *Client {
	if log == nil {
		log = logger.Default()
	}
	httpClient := &http.Client{}
	if len(middlewares) > 0 {
		httpClient.Transport = &middlewareTransport{base: http.DefaultTransport, middlewares: middlewares}
	}
	return &Client{
		servers:    servers,
		httpClient: httpClient,
		logger:     log.WithFields(zap.String("component", "mcp_client")),
		sessions: make(map[string]*client.Client),
		tools:    make(map[string][]ToolInfo),
	}
}

// Servers returns the configured server names.
func (c *Client) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	return names
}

func (c *Client) server(name string) (config.MCPServerConfig, error) {
	cfg, ok := c.servers[name]
	if !ok {
		return config.MCPServerConfig{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return cfg, nil
}

// Init connects to the server, initializes the protocol and fetches its
// tools. For keep-alive servers the session stays open for later calls.
func (c *Client) Init(ctx context.Context, name string) ([]ToolInfo, error) {
	cfg, err := c.server(name)
	if err != nil {
		return nil, err
	}

	session, err := c.connect(ctx, name, cfg, cfg.Headers, cfg.KeepAlive)
	if err != nil {
		return nil, err
	}

	tools, err := listTools(ctx, session)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("list tools on %s: %w", name, err)
	}

	c.mu.Lock()
	c.tools[name] = tools
	if cfg.KeepAlive {
		if old, ok := c.sessions[name]; ok {
			_ = old.Close()
		}
		c.sessions[name] = session
	}
	c.mu.Unlock()

	if !cfg.KeepAlive {
		_ = session.Close()
	}

	c.logger.Info("MCP server initialized",
		zap.String("server", name),
		zap.Int("tools", len(tools)),
		zap.Bool("keep_alive", cfg.KeepAlive))
	return tools, nil
}

// Tools returns the tools fetched by the last Init, initializing on first use.
func (c *Client) Tools(ctx context.Context, name string) ([]ToolInfo, error) {
	c.mu.Lock()
	tools, ok := c.tools[name]
	c.mu.Unlock()
	if ok {
		return tools, nil
	}
	return c.Init(ctx, name)
}

// CallTool calls tool on the named server. headers are merged over the
// server's configured headers; any per-call header forces a fresh session.
func (c *Client) CallTool(ctx context.Context, name, tool string, args map[string]any, headers map[string]string) (*ToolResult, error) {
	cfg, err := c.server(name)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceMCPToolCall(ctx, name, tool)
	defer span.End()

	if timeout := cfg.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := &ToolResult{Server: name, Tool: tool, StartedAt: time.Now().UTC()}

	session, release, err := c.sessionFor(ctx, name, cfg, headers)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	out, err := session.CallTool(ctx, req)
	res.EndedAt = time.Now().UTC()
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("MCP tool call failed",
			zap.String("server", name),
			zap.String("tool", tool),
			zap.Error(err))
		return res, fmt.Errorf("call %s/%s: %w", name, tool, err)
	}

	res.Output = ContentText(out.Content)
	res.IsError = out.IsError
	c.logger.Debug("MCP tool call completed",
		zap.String("server", name),
		zap.String("tool", tool),
		zap.Bool("is_error", out.IsError),
		zap.Duration("duration", res.EndedAt.Sub(res.StartedAt)))
	return res, nil
}

// sessionFor returns a session for one call and a release func. A kept-alive
// session is shared and released as a no-op.
func (c *Client) sessionFor(ctx context.Context, name string, cfg config.MCPServerConfig, headers map[string]string) (*client.Client, func(), error) {
	if cfg.KeepAlive && len(headers) == 0 {
		c.mu.Lock()
		session, ok := c.sessions[name]
		c.mu.Unlock()
		if ok {
			return session, func() {}, nil
		}
	}

	session, err := c.connect(ctx, name, cfg, mergeHeaders(cfg.Headers, headers), false)
	if err != nil {
		return nil, nil, err
	}
	return session, func() { _ = session.Close() }, nil
}

// connect opens and initializes a session. The SSE stream lives as long as
// the context passed to Start, so persistent sessions detach from ctx.
func (c *Client) connect(ctx context.Context, name string, cfg config.MCPServerConfig, headers map[string]string, persistent bool) (*client.Client, error) {
	opts := []transport.ClientOption{transport.WithHTTPClient(c.httpClient)}
	if len(headers) > 0 {
		opts = append(opts, transport.WithHeaders(headers))
	}

	session, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client for %s: %w", name, err)
	}
	streamCtx := ctx
	if persistent {
		streamCtx = context.WithoutCancel(ctx)
	}
	if err := session.Start(streamCtx); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("connect to mcp server %s: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := session.Initialize(ctx, initReq); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}
	return session, nil
}

func listTools(ctx context.Context, session *client.Client) ([]ToolInfo, error) {
	resp, err := session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		info := ToolInfo{Name: t.Name, Description: t.Description}
		if len(t.InputSchema.Properties) > 0 || len(t.InputSchema.Required) > 0 {
			info.InputSchema = map[string]any{
				"type":       t.InputSchema.Type,
				"properties": t.InputSchema.Properties,
				"required":   t.InputSchema.Required,
			}
		}
		tools = append(tools, info)
	}
	return tools, nil
}

// Close closes every kept-alive session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(c.sessions, name)
	}
	return errors.Join(errs...)
}

// ContentText joins the text parts of a tool result. Non-text parts are
// replaced by a short placeholder naming their type.
func ContentText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		case *mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", content))
		}
	}
	return strings.Join(parts, "\n")
}

// middlewareTransport applies request middlewares to a copy of each request.
type middlewareTransport struct {
	base        http.RoundTripper
	middlewares []remote.RequestMiddleware
}

func (t *middlewareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for _, mw := range t.middlewares {
		mw(req)
	}
	return t.base.RoundTrip(req)
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
