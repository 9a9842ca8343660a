package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists request history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS support_requests (
			entry_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			supporter_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			accepted_at TIMESTAMPTZ,
			finalized_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_support_requests_group_finalized ON support_requests (group_id, finalized_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	if rec.FinalizedAt.IsZero() {
		rec.FinalizedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO support_requests (entry_id, group_id, requester_id, supporter_id, reason, created_at, accepted_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (entry_id) DO NOTHING`,
		rec.EntryID,
		rec.GroupID,
		rec.RequesterID,
		rec.SupporterID,
		rec.Reason,
		rec.CreatedAt,
		nullableTime(rec.AcceptedAt),
		rec.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, groupID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT entry_id, group_id, requester_id, supporter_id, reason, created_at, accepted_at, finalized_at
		 FROM support_requests WHERE group_id=$1 ORDER BY finalized_at DESC LIMIT $2`,
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
			r        Record
			accepted *time.Time
		)
		if err := rows.Scan(&r.EntryID, &r.GroupID, &r.RequesterID, &r.SupporterID, &r.Reason, &r.CreatedAt, &accepted, &r.FinalizedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if accepted != nil {
			r.AcceptedAt = *accepted
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
