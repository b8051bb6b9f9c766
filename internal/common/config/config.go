// Package config provides configuration management for the agent proxy.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Database   DatabaseConfig             `mapstructure:"database"`
	NATS       NATSConfig                 `mapstructure:"nats"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Tracing    TracingConfig              `mapstructure:"tracing"`
	Remote     RemoteConfig               `mapstructure:"remote"`
	Agents     map[string]AgentConfig     `mapstructure:"agents"`
	MCPServers map[string]MCPServerConfig `mapstructure:"mcpServers"`
	MCP        MCPConfig                  `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds, 0 disables (streams can be long)
}

// DatabaseConfig holds call history storage configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration. An empty endpoint falls
// back to OTEL_EXPORTER_OTLP_ENDPOINT; when both are empty tracing is a no-op.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// RemoteConfig holds protocol settings shared by all remote agents.
type RemoteConfig struct {
	// EndpointPath is appended to each agent's base URL.
	EndpointPath string `mapstructure:"endpointPath"`

	// ContentType is sent as the request body media type. Some remote
	// deployments expect a non-standard value, so it is not hard-coded.
	ContentType string `mapstructure:"contentType"`

	// DefaultTimeout applies when neither the call nor the agent sets one (seconds, 0 = none).
	DefaultTimeout int `mapstructure:"defaultTimeout"`

	UserAgent string `mapstructure:"userAgent"`
}

// AgentConfig describes one remote agent reachable over the event stream protocol.
type AgentConfig struct {
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	ShareCallStack bool              `mapstructure:"shareCallStack"`
	Timeout        int               `mapstructure:"timeout"` // in seconds
	Description    string            `mapstructure:"description"`
}

// MCPServerConfig describes one MCP server reachable over SSE.
type MCPServerConfig struct {
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Timeout   int               `mapstructure:"timeout"` // in seconds
	KeepAlive bool              `mapstructure:"keepAlive"`
}

// MCPConfig controls the embedded MCP server that exposes the agents as tools.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the protocol-wide default call timeout.
func (r *RemoteConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(r.DefaultTimeout) * time.Second
}

// TimeoutDuration returns the agent's call timeout.
func (a *AgentConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// TimeoutDuration returns the MCP server's call timeout.
func (m *MCPServerConfig) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// AgentNames returns configured agent names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPROXY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentproxy.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentproxy")
	v.SetDefault("database.dbName", "agentproxy")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentproxy")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentproxy")

	// Remote protocol defaults
	v.SetDefault("remote.endpointPath", "/sse/chat")
	v.SetDefault("remote.contentType", "application/json")
	v.SetDefault("remote.defaultTimeout", 0)
	v.SetDefault("remote.userAgent", "agentproxy")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 8091)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPROXY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentproxy/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("remote.endpointPath", "AGENTPROXY_REMOTE_ENDPOINT_PATH")
	_ = v.BindEnv("remote.contentType", "AGENTPROXY_REMOTE_CONTENT_TYPE")
	_ = v.BindEnv("remote.defaultTimeout", "AGENTPROXY_REMOTE_DEFAULT_TIMEOUT")
	_ = v.BindEnv("database.dbName", "AGENTPROXY_DATABASE_DB_NAME")
	_ = v.BindEnv("tracing.endpoint", "AGENTPROXY_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentproxy/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if !strings.HasPrefix(cfg.Remote.EndpointPath, "/") {
		errs = append(errs, "remote.endpointPath must start with '/'")
	}
	if strings.TrimSpace(cfg.Remote.ContentType) == "" {
		errs = append(errs, "remote.contentType must not be empty")
	}
	if cfg.Remote.DefaultTimeout < 0 {
		errs = append(errs, "remote.defaultTimeout must not be negative")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port < 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 0 and 65535")
	}

	for _, name := range cfg.AgentNames() {
		agent := cfg.Agents[name]
		if err := validateURL(agent.URL); err != nil {
			errs = append(errs, fmt.Sprintf("agents.%s.url: %v", name, err))
		}
		if agent.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("agents.%s.timeout must not be negative", name))
		}
	}
	for name, server := range cfg.MCPServers {
		if err := validateURL(server.URL); err != nil {
			errs = append(errs, fmt.Sprintf("mcpServers.%s.url: %v", name, err))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
