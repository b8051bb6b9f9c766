// Package db opens the SQL connections behind the call history store.
package db

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool pairs a writer with a reader. On SQLite the writer is one connection
// and the reader a small read-only pool over the same WAL file; on PostgreSQL
// both are the same handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps existing handles. Pass the same handle twice when the
// database has no separate read path.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

func (p *Pool) Writer() *sqlx.DB { return p.writer }

func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver is the sqlx driver name, used for dialect decisions.
func (p *Pool) Driver() string { return p.writer.DriverName() }

// Ping checks both handles.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.writer.PingContext(ctx); err != nil {
		return err
	}
	if p.reader == p.writer {
		return nil
	}
	return p.reader.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}
