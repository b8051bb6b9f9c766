package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/calllog"
	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/common/metrics"
	"github.com/kandev/agentproxy/internal/common/tracing"
	"github.com/kandev/agentproxy/internal/events"
	"github.com/kandev/agentproxy/internal/events/bus"
	"github.com/kandev/agentproxy/internal/mcpcall"
	"github.com/kandev/agentproxy/internal/persistence"
	"github.com/kandev/agentproxy/internal/proxy"
)

// app holds the shared infrastructure of every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	bus     bus.EventBus
	records calllog.Repository
	metrics *metrics.Metrics
	proxy   *proxy.Service
	mcp     *mcpcall.Client
	tools   *mcpcall.Service

	cleanups []func() error
}

// newApp wires bus, optional call history, proxy service and MCP client.
func newApp(cfg *config.Config, log *logger.Logger, withRecords bool) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	eventBus, cleanup, err := provideEventBus(cfg, log)
	if err != nil {
		return nil, err
	}
	a.bus = eventBus
	a.addCleanup(cleanup)

	if withRecords {
		records, cleanup, err := provideCallLog(cfg, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.records = records
		a.addCleanup(cleanup)
	}

	a.proxy = proxy.NewService(proxy.Options{
		Remote:  cfg.Remote,
		Agents:  cfg.Agents,
		Bus:     a.bus,
		Records: a.records,
		Logger:  log,
		Metrics: a.metrics,
	})

	a.mcp = mcpcall.NewClient(cfg.MCPServers, log, tracing.InjectHTTP)
	a.addCleanup(a.mcp.Close)
	a.tools = mcpcall.NewService(a.mcp, a.records, a.bus, log)

	return a, nil
}

func (a *app) addCleanup(fn func() error) {
	if fn != nil {
		a.cleanups = append(a.cleanups, fn)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if provider.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	return provider.Bus, cleanup, nil
}

func provideCallLog(cfg *config.Config, log *logger.Logger) (calllog.Repository, func() error, error) {
	pool, cleanup, err := persistence.Provide(cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open call history database: %w", err)
	}
	records, err := calllog.NewStore(pool)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("initialize call history: %w", err)
	}
	return records, func() error {
		_ = records.Close()
		return cleanup()
	}, nil
}

// initMCPServers connects to every configured MCP server. Failures are logged
// and the server is retried on first use.
func (a *app) initMCPServers(ctx context.Context) {
	for _, name := range a.mcp.Servers() {
		if _, err := a.mcp.Init(ctx, name); err != nil {
			a.log.Warn("MCP server not available", zap.String("server", name), zap.Error(err))
		}
	}
}
