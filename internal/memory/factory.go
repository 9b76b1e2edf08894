package memory

import (
	"context"
	"strings"
)

// NewStore returns a PostgresStore when a database URL is configured and the
// in-process store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
