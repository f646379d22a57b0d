package database

import (
	"fmt"
	"os"
	"path/filepath"

	"hbk-go/internal/config"
	"hbk-go/internal/hbk"
)

// NewCatalogFromConfig creates a Catalog implementation based on the database config type.
func NewCatalogFromConfig(cfg config.DatabaseConfig, hostID string) (hbk.Catalog, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		c, err := NewSQLiteCatalog(filepath.Join(cfg.DataDir, hostID+".db"))
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		c, err := NewSQLiteCatalog(":memory:")
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
