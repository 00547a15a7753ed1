package tasks

import (
	"context"
	"strings"
)

// NewStore picks postgres when a database URL is configured, sqlite when a
// file path is configured, and the in-memory store otherwise. The returned
// mode is reported on the health endpoints.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewMemoryStore(), "in-memory", nil
}
