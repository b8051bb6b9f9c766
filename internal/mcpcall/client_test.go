package mcpcall

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// newToolServer starts an SSE MCP server with an echo and a failing tool.
func newToolServer(t *testing.T, opts ...server.SSEOption) string {
	t.Helper()
	s := server.NewMCPServer("test-tools", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the text back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(text), nil
		},
	)
	s.AddTool(
		mcp.NewTool("fail", mcp.WithDescription("Always fails")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("tool broke"), nil
		},
	)

	ts := server.NewTestServer(s, opts...)
	t.Cleanup(ts.Close)
	return ts.URL + "/sse"
}

func newTestMCPClient(t *testing.T, keepAlive bool) *Client {
	t.Helper()
	c := NewClient(map[string]config.MCPServerConfig{
		"tools": {URL: newToolServer(t), Timeout: 10, KeepAlive: keepAlive},
	}, newTestLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_InitListsTools(t *testing.T) {
	c := newTestMCPClient(t, false)

	tools, err := c.Init(context.Background(), "tools")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := map[string]ToolInfo{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	require.Contains(t, byName, "echo")
	assert.Equal(t, "Echo the text back", byName["echo"].Description)
	assert.Contains(t, byName["echo"].InputSchema["properties"], "text")
	assert.Contains(t, byName, "fail")

	cached, err := c.Tools(context.Background(), "tools")
	require.NoError(t, err)
	assert.Equal(t, tools, cached)
}

func TestClient_CallToolFreshSession(t *testing.T) {
	c := newTestMCPClient(t, false)

	res, err := c.CallTool(context.Background(), "tools", "echo", map[string]any{"text": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.False(t, res.IsError)
	assert.Equal(t, "tools", res.Server)
	assert.Equal(t, "echo", res.Tool)
	assert.False(t, res.EndedAt.Before(res.StartedAt))
}

func TestClient_CallToolKeepAliveReusesSession(t *testing.T) {
	c := newTestMCPClient(t, true)

	_, err := c.Init(context.Background(), "tools")
	require.NoError(t, err)

	for _, text := range []string{"one", "two"} {
		ctx, cancel := context.WithCancel(context.Background())
		res, err := c.CallTool(ctx, "tools", "echo", map[string]any{"text": text}, nil)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, text, res.Output)
	}

	c.mu.Lock()
	assert.Len(t, c.sessions, 1)
	c.mu.Unlock()
}

func TestClient_MiddlewaresReachServer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	url := newToolServer(t, server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Request-Mark"))
		mu.Unlock()
		return ctx
	}))

	mark := func(r *http.Request) { r.Header.Set("X-Request-Mark", "mw") }
	c := NewClient(map[string]config.MCPServerConfig{
		"tools": {URL: url, Timeout: 10},
	}, newTestLogger(), mark)
	t.Cleanup(func() { _ = c.Close() })

	res, err := c.CallTool(context.Background(), "tools", "echo", map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, v := range seen {
		assert.Equal(t, "mw", v)
	}
}

func TestClient_ToolReportedError(t *testing.T) {
	c := newTestMCPClient(t, false)

	res, err := c.CallTool(context.Background(), "tools", "fail", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "tool broke", res.Output)
}

func TestClient_UnknownServer(t *testing.T) {
	c := NewClient(nil, newTestLogger())

	_, err := c.CallTool(context.Background(), "missing", "echo", nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownServer))

	_, err = c.Init(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestContentText(t *testing.T) {
	out := ContentText([]mcp.Content{
		mcp.NewTextContent("first"),
		mcp.NewImageContent("aGk=", "image/png"),
		mcp.NewTextContent("second"),
	})
	assert.Equal(t, "first\n[image image/png]\nsecond", out)
	assert.Equal(t, "", ContentText(nil))
}

func TestMergeHeaders(t *testing.T) {
	assert.Nil(t, mergeHeaders(nil, nil))

	merged := mergeHeaders(
		map[string]string{"Authorization": "Bearer base", "X-Team": "a"},
		map[string]string{"Authorization": "Bearer call"},
	)
	assert.Equal(t, map[string]string{"Authorization": "Bearer call", "X-Team": "a"}, merged)
}
