package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentproxy/internal/db"
	"github.com/kandev/agentproxy/internal/db/dialect"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

var _ Repository = (*sqlStore)(nil)

// NewStore creates the call history store over pool and initializes the schema.
// Both SQLite and PostgreSQL pools are supported.
func NewStore(pool *db.Pool) (Repository, error) {
	s := &sqlStore{db: pool.Writer(), ro: pool.Reader(), driver: pool.Driver()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("calllog schema init: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	ts := dialect.Timestamp(s.driver)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS call_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		caller TEXT NOT NULL DEFAULT '',
		callee TEXT NOT NULL DEFAULT '',
		share_call_stack BOOLEAN NOT NULL DEFAULT FALSE,
		arguments TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		forwarded INTEGER NOT NULL DEFAULT 0,
		started_at %[1]s NOT NULL,
		ended_at %[1]s NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_records_started_at ON call_records(started_at);
	CREATE INDEX IF NOT EXISTS idx_call_records_target ON call_records(target);
	`, ts)
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *sqlStore) Close() error { return nil }

func (s *sqlStore) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Arguments == "" {
		rec.Arguments = "{}"
	}
	rec.StartedAt = rec.StartedAt.UTC()
	rec.EndedAt = rec.EndedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO call_records (
			id, kind, target, caller, callee, share_call_stack, arguments,
			status, output, error, forwarded, started_at, ended_at
		) VALUES (
			:id, :kind, :target, :caller, :callee, :share_call_stack, :arguments,
			:status, :output, :error, :forwarded, :started_at, :ended_at
		)`, rec)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, kind, target, caller, callee, share_call_stack, arguments,
	       status, output, error, forwarded, started_at, ended_at
	FROM call_records`

func (s *sqlStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.ro.GetContext(ctx, &rec, s.ro.Rebind(selectColumns+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return &rec, nil
}

func (s *sqlStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), max(filter.Offset, 0))

	records := []*Record{}
	if err := s.ro.SelectContext(ctx, &records, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	return records, nil
}

func (s *sqlStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.ro.QueryContext(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*), COALESCE(AVG(%s), 0)
		FROM call_records
		GROUP BY status`, dialect.DurationMs(s.driver, "ended_at", "started_at")))
	if err != nil {
		return nil, fmt.Errorf("call record stats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	stats := &Stats{ByStatus: map[string]int{}}
	var weighted float64
	for rows.Next() {
		var (
			status string
			count  int
			avg    float64
		)
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.AvgDurationMs = weighted / float64(stats.Total)
	}
	return stats, nil
}
