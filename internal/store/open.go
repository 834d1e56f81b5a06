package store

import (
	"context"
	"fmt"

	"github.com/dunamismax/pixelproxy/internal/config"
)

// Store persists render jobs and their usage records.
type Store interface {
	JobStore
	UsageStore
}

// Open returns the store selected by cfg.Driver and a function releasing it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryJobStore(), func() error { return nil }, nil
	case "postgres":
		pg, err := NewPostgresJobStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
