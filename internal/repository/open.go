package repository

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"guardian/internal/config"
	"guardian/internal/database"
	"guardian/internal/store"
)

// Backend is an opened persistence backend for the shared tree
type Backend struct {
	// Persister is nil for the in-memory backend
	Persister store.Persister
	Name      string
	close     func() error
}

// Close releases the backend
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open selects the backend named by cfg.Persistence. The SQL backend runs
// its migrations before returning.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Persistence) {
	case "sql", "":
		db, err := database.InitializeWithConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database ready", zap.String("type", cfg.DatabaseType))
		return &Backend{Persister: NewNodeRepository(db), Name: "sql/" + db.Dialect.MigrationsSubdir(), close: db.Close}, nil
	case "badger":
		repo, err := OpenBadger(cfg.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("badger ready", zap.String("dir", cfg.BadgerDir))
		return &Backend{Persister: repo, Name: "badger", close: repo.Close}, nil
	case "memory":
		logger.Warn("running without persistence; the tree is lost on exit")
		return &Backend{Name: "memory"}, nil
	}
	return nil, fmt.Errorf("unsupported persistence backend: %s", cfg.Persistence)
}
