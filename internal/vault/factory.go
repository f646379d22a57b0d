package vault

import (
	"context"
	"fmt"

	"hbk-go/internal/config"
	"hbk-go/internal/hbk"
)

// NewVaultFromConfig creates a Vault implementation based on the mirror config
// type. An empty type means no mirror and returns nil, nil.
func NewVaultFromConfig(ctx context.Context, cfg config.MirrorConfig) (hbk.Vault, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		v, err := NewS3Vault(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem mirror requires fs_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
}
