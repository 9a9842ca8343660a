package history

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from databaseURL: empty means in-memory,
// postgres:// and postgresql:// use PostgreSQL, sqlite:// (or a path
// ending in .db) uses an embedded SQLite file.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasSuffix(url, ".db"):
		return NewSQLiteStore(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported history database url %q", url)
	}
}
