package mcpserver

import (
	"context"

	"github.com/kandev/agentproxy/internal/common/logger"
)

// Provide creates and starts the MCP server.
func Provide(ctx context.Context, cfg Config, caller AgentCaller, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, caller, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		return srv.Stop(context.Background())
	}
	return srv, cleanup, nil
}
