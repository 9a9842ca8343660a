package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists request history in an embedded SQLite file.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS support_requests (
			entry_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			supporter_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			accepted_at INTEGER NOT NULL DEFAULT 0,
			finalized_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_support_requests_group_finalized ON support_requests (group_id, finalized_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	if rec.FinalizedAt.IsZero() {
		rec.FinalizedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO support_requests (entry_id, group_id, requester_id, supporter_id, reason, created_at, accepted_at, finalized_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EntryID,
		rec.GroupID,
		rec.RequesterID,
		rec.SupporterID,
		rec.Reason,
		toMillis(rec.CreatedAt),
		toMillis(rec.AcceptedAt),
		toMillis(rec.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, groupID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, group_id, requester_id, supporter_id, reason, created_at, accepted_at, finalized_at
		 FROM support_requests WHERE group_id=? ORDER BY finalized_at DESC, rowid DESC LIMIT ?`,
		groupID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r                            Record
			created, accepted, finalized int64
		)
		if err := rows.Scan(&r.EntryID, &r.GroupID, &r.RequesterID, &r.SupporterID, &r.Reason, &created, &accepted, &finalized); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		r.AcceptedAt = fromMillis(accepted)
		r.FinalizedAt = fromMillis(finalized)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
