// Package sqlite provides an access-log archive backed by an embedded
// SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_id       TEXT    NOT NULL,
	endpoint_id    TEXT    NOT NULL,
	ts             INTEGER NOT NULL,
	ip             TEXT    NOT NULL DEFAULT '',
	user_agent     TEXT    NOT NULL DEFAULT '',
	correlation_id TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_access_log_key ON access_log (actor_id, endpoint_id, ts);
CREATE INDEX IF NOT EXISTS idx_access_log_ts ON access_log (ts);
`

// AccessLogStore implements accesslog.Store on SQLite.
// Timestamps are stored as Unix nanoseconds.
type AccessLogStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*AccessLogStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	logger.Debug("sqlite access log opened", "path", path)
	return &AccessLogStore{db: db, path: path, logger: logger}, nil
}

// Append inserts entries in one transaction.
func (s *AccessLogStore) Append(ctx context.Context, entries ...accesslog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO access_log (actor_id, endpoint_id, ts, ip, user_agent, correlation_id) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ActorID, e.EndpointID, e.Timestamp.UnixNano(),
			e.Metadata.IP, e.Metadata.UserAgent, e.Metadata.CorrelationID); err != nil {
			return fmt.Errorf("insert access log entry: %w", err)
		}
	}
	return tx.Commit()
}

// rangeClause returns the WHERE clause and args for q.
func rangeClause(q accesslog.Query) (string, []any) {
	where := `actor_id = ? AND endpoint_id = ? AND ts >= ?`
	args := []any{q.ActorID, q.EndpointID, q.Start.UnixNano()}
	if !q.End.IsZero() {
		where += ` AND ts < ?`
		args = append(args, q.End.UnixNano())
	}
	return where, args
}

// QueryWindow returns the entries in [q.Start, q.End) in time order. A zero
// End is unbounded.
func (s *AccessLogStore) QueryWindow(ctx context.Context, q accesslog.Query) ([]accesslog.Entry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	where, args := rangeClause(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id, endpoint_id, ts, ip, user_agent, correlation_id FROM access_log WHERE `+where+` ORDER BY ts, id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var out []accesslog.Entry
	for rows.Next() {
		var (
			e  accesslog.Entry
			ts int64
		)
		if err := rows.Scan(&e.ActorID, &e.EndpointID, &ts,
			&e.Metadata.IP, &e.Metadata.UserAgent, &e.Metadata.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan access log row: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountInWindow counts the entries QueryWindow would return.
func (s *AccessLogStore) CountInWindow(ctx context.Context, q accesslog.Query) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	where, args := rangeClause(q)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count access log: %w", err)
	}
	return n, nil
}

// DeleteBefore removes entries older than before.
func (s *AccessLogStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_log WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete access log: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *AccessLogStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *AccessLogStore) Path() string { return s.path }

// Compile-time interface verification.
var _ accesslog.Store = (*AccessLogStore)(nil)
