package store

import (
	"context"
	"fmt"

	"github.com/ashureev/gene-analysis/internal/config"
)

// Open builds the repository selected by cfg.Store.
func Open(ctx context.Context, cfg config.SessionConfig) (Repository, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return NewMemory(cfg.MaxSessions), nil
	case config.StoreSQLite:
		return NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		return NewRedis(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
