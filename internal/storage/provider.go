package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
)

// Provide builds the configured Store implementation.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, error) {
	log = log.WithComponent("storage")

	switch cfg.Storage.Driver {
	case "", "memory":
		log.Info("using in-memory store")
		return NewMemoryStore(), nil

	case "sqlite":
		store, err := NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Info("using sqlite store", zap.String("path", cfg.Storage.SQLitePath))
		return store, nil

	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.Storage.Postgres.DSN(), int32(cfg.Storage.Postgres.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		log.Info("using postgres store",
			zap.String("host", cfg.Storage.Postgres.Host),
			zap.String("database", cfg.Storage.Postgres.DBName))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}
