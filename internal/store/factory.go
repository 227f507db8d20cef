package store

import (
	"context"
	"fmt"

	"github.com/elementalhq/elemental/internal/common/config"
	"github.com/elementalhq/elemental/internal/common/database"
)

// New builds a Store from configuration. Supported drivers are memory,
// sqlite, and postgres.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		db, err := database.NewDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(ctx, db)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}
