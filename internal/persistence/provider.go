// Package persistence opens the database pool used by the call history store.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentproxy/internal/common/config"
	"github.com/kandev/agentproxy/internal/common/logger"
	"github.com/kandev/agentproxy/internal/db"
)

// Provide opens the configured database and returns a writer/reader pool.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	if log == nil {
		log = logger.Default()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		pool, err := OpenSQLitePool(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", driver))
		cleanup := func() error {
			// Refresh query planner statistics before closing.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		pool, err := db.OpenPostgres(context.Background(), db.PostgresOptions{
			DSN:      cfg.DSN(),
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized",
			zap.String("db_host", cfg.Host),
			zap.String("db_name", cfg.DBName),
			zap.String("db_driver", driver))
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// OpenSQLitePool opens a SQLite writer and read-only reader with default
// tuning.
func OpenSQLitePool(path string) (*db.Pool, error) {
	pool, err := db.OpenSQLite(path, db.SQLiteOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return pool, nil
}
