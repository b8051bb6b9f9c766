package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentproxy/internal/db/dialect"
)

// SQLiteOptions tune OpenSQLite. Zero values pick the defaults.
type SQLiteOptions struct {
	BusyTimeout time.Duration
	ReaderConns int
}

func (o SQLiteOptions) withDefaults() SQLiteOptions {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.ReaderConns <= 0 {
		o.ReaderConns = 4
	}
	return o
}

// OpenSQLite opens a single-connection writer and a read-only reader pool
// over one WAL database file, creating the file and its directory if needed.
func OpenSQLite(path string, opts SQLiteOptions) (*Pool, error) {
	opts = opts.withDefaults()
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	writer, err := sqlx.Open(dialect.SQLite3, sqliteDSN(abs, "rwc", opts.BusyTimeout, true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The reader attaches to the WAL the writer creates.
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping sqlite writer: %w", err)
	}

	reader, err := sqlx.Open(dialect.SQLite3, sqliteDSN(abs, "ro", opts.BusyTimeout, false))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(opts.ReaderConns)
	reader.SetMaxIdleConns(opts.ReaderConns)

	return NewPool(writer, reader), nil
}

func sqliteDSN(path, mode string, busy time.Duration, wal bool) string {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("_busy_timeout", strconv.Itoa(int(busy/time.Millisecond)))
	if wal {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + path + "?" + q.Encode()
}
