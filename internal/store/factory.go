package store

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: postgres:// and postgresql://
// use PostgreSQL, memory:// (or an empty URL) stays in-process, anything else
// is treated as a SQLite file path (optionally prefixed with sqlite://).
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "", u == "memory://":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return NewPostgresStore(ctx, u)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(u, "sqlite://"))
	}
}
