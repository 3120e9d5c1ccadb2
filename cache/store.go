// Package cache implements the shared metadata store backends.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

var (
	_ domain.Store = (*MemoryStore)(nil)
	_ domain.Store = (*BoltStore)(nil)
	_ domain.Store = (*SQLiteStore)(nil)
	_ domain.Store = (*MongoStore)(nil)
)

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig) (domain.Store, error) {
	log := logger.Logger(ctx).With().Str("backend", cfg.Backend).Logger()

	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return OpenBoltStore(cfg.Path, WithBoltLogger(log), WithNoSync(cfg.NoSync))
	case BackendSQLite, "":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		return OpenSQLiteStore(cfg.Path, log)
	case BackendMongo:
		return OpenMongoStore(ctx, cfg.MongoDB, log)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, cfg.Backend)
}

func ensureDir(path string) error {
	if path == "" {
		return fmt.Errorf("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	return nil
}
