package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Open picks a backend from dsn and wraps it in a Ledger.
//
//	memory://               in-process, not persistent
//	sqlite://path/to/file   SQLite file
//	postgres://... or postgresql://...
//	anything else           BadgerDB directory
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		backend Backend
		err     error
	)
	switch {
	case dsn == "memory://":
		backend = NewMemoryBackend()
	case strings.HasPrefix(dsn, "sqlite://"):
		backend, err = NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"), logger)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		backend, err = NewPostgresBackend(ctx, dsn, logger)
	case dsn == "":
		return nil, fmt.Errorf("ledger path is empty")
	default:
		backend, err = NewBadgerBackend(dsn, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", dsn, err)
	}

	logger.Debug("ledger opened", "backend", fmt.Sprintf("%T", backend))
	return New(backend), nil
}
