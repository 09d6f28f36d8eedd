package store

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/instrument"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "memory", "file" (default), "sqlite" or "postgres".
	Backend string
	// DataDir holds the file backend's JSON files and the sqlite database.
	DataDir string
	// DSN is the postgres connection string.
	DSN string

	Logger *zap.Logger
	Sink   instrument.Sink
}

// Open creates a Backend based on cfg.Backend.
//
// Supported backends:
//
//	"file"     - JSON files in DataDir (default)
//	"sqlite"   - SQLite database at DataDir/docmodel.db
//	"postgres" - PostgreSQL at DSN
//	"memory"   - In-memory (ephemeral, for testing)
func Open(ctx context.Context, cfg Config) (Backend, error) {
	opts := []CollectionOption{WithSink(cfg.Sink)}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "file", "json", "":
		b, err = NewFileBackend(cfg.DataDir, opts...)
	case "sqlite":
		b, err = NewSQLiteBackend(ctx, filepath.Join(cfg.DataDir, "docmodel.db"), opts...)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend needs a DSN")
		}
		b, err = NewPostgresBackend(ctx, cfg.DSN, opts...)
	case "memory":
		b = NewMemoryBackend(opts...)
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: file, sqlite, postgres, memory)", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
