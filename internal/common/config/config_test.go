package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "/sse/chat", cfg.Remote.EndpointPath)
	assert.Equal(t, "application/json", cfg.Remote.ContentType)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Empty(t, cfg.NATS.URL)
	assert.Zero(t, cfg.Remote.DefaultTimeoutDuration())
}

func TestLoadWithPath_Agents(t *testing.T) {
	dir := writeConfig(t, `
remote:
  contentType: application
  defaultTimeout: 30
agents:
  math_agent:
    url: http://127.0.0.1:8081
    shareCallStack: true
    timeout: 5
    headers:
      X-Api-Key: secret
mcpServers:
  search:
    url: http://127.0.0.1:9000/sse
    keepAlive: true
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	require.Contains(t, cfg.Agents, "math_agent")
	agent := cfg.Agents["math_agent"]
	assert.Equal(t, "http://127.0.0.1:8081", agent.URL)
	assert.True(t, agent.ShareCallStack)
	assert.Equal(t, 5*time.Second, agent.TimeoutDuration())
	assert.Equal(t, "application", cfg.Remote.ContentType)
	assert.Equal(t, 30*time.Second, cfg.Remote.DefaultTimeoutDuration())
	assert.Equal(t, []string{"math_agent"}, cfg.AgentNames())

	require.Contains(t, cfg.MCPServers, "search")
	assert.True(t, cfg.MCPServers["search"].KeepAlive)
}

func TestLoadWithPath_ValidationErrors(t *testing.T) {
	dir := writeConfig(t, `
remote:
  endpointPath: sse/chat
agents:
  broken:
    url: ftp://example.com
  missing:
    timeout: -1
`)
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.endpointPath must start with '/'")
	assert.Contains(t, err.Error(), "agents.broken.url: scheme must be http or https")
	assert.Contains(t, err.Error(), "agents.missing.url: is required")
	assert.Contains(t, err.Error(), "agents.missing.timeout must not be negative")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "calls", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=calls sslmode=disable", d.DSN())
}
