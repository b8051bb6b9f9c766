package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/tracing"
	"github.com/kandev/agentproxy/internal/gateway"
	gateways "github.com/kandev/agentproxy/internal/gateway/websocket"
	"github.com/kandev/agentproxy/internal/mcpserver"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the event WebSocket and the MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		tracing.Init(cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tracing.Shutdown(ctx)
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, log, true)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Warn("cleanup failed", zap.Error(err))
			}
		}()
		a.initMCPServers(ctx)

		if cfg.MCP.Enabled {
			srv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, a.proxy, log)
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}
			a.addCleanup(cleanup)
			log.Info("MCP server started", zap.String("sse_endpoint", srv.SSEEndpoint()))
		}

		gin.SetMode(gin.ReleaseMode)
		router := gateway.NewRouter(gateway.RouterOptions{
			Handlers:  gateway.NewHandlers(a.proxy, a.tools, a.records, log),
			WebSocket: gateways.NewGateway(ctx, a.bus, log),
			Bus:       a.bus,
			Metrics:   a.metrics,
			Logger:    log,
		})

		server := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("HTTP server listening",
				zap.String("addr", server.Addr),
				zap.Strings("agents", cfg.AgentNames()))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			log.Info("Shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
