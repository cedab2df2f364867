package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/persistence/file"
	"github.com/colloquy/colloquy/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme.
// file:// is the development default; postgres:// for deployments.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		scheme = "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file":
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}
