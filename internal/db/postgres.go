package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentproxy/internal/db/dialect"
)

// PostgresOptions configure OpenPostgres. Zero connection limits default to
// 25 open and 5 idle.
type PostgresOptions struct {
	DSN         string
	MaxConns    int
	MinConns    int
	PingTimeout time.Duration
}

// OpenPostgres connects through the pgx stdlib driver and verifies the
// connection. Reader and writer share the handle.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Pool, error) {
	conn, err := sqlx.Open(dialect.PGX, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	maxConns, minConns := opts.MaxConns, opts.MinConns
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPool(conn, conn), nil
}
