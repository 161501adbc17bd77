package storage

import (
	"fmt"

	"github.com/vxchat/vxnode/pkg/storage/postgres"
	"github.com/vxchat/vxnode/pkg/storage/sqlite"
)

// NewStorage creates a Storage implementation based on the provided
// configuration. Supported drivers: "sqlite", "postgres".
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.NewSQLiteStorage(cfg.Path)
	case "postgres":
		return postgres.NewPostgresStorage(cfg.DatabaseURL, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
}
