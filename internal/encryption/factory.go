package encryption

import (
	"context"
	"fmt"

	"hbk-go/internal/config"
	"hbk-go/internal/hbk"
)

// NewCipherFromConfig creates an EnvelopeCipher based on the configured
// backend, resolving "auto" mode against the backend's library version.
// tempDir is where the openssl backend keeps its short-lived secret file.
func NewCipherFromConfig(ctx context.Context, cfg config.CipherConfig, tempDir string, passphrase PassphraseFunc) (hbk.EnvelopeCipher, error) {
	switch cfg.Backend {
	case "native", "":
		native := NewNativeCipher(hbk.ModePBKDF2, passphrase)
		mode, err := ResolveMode(ctx, cfg.Mode, native)
		if err != nil {
			return nil, err
		}
		native.mode = mode
		return native, nil
	case "openssl":
		ossl := NewOpenSSLCipher(cfg.OpenSSLPath, hbk.ModePBKDF2, tempDir, nil)
		mode, err := ResolveMode(ctx, cfg.Mode, ossl)
		if err != nil {
			return nil, err
		}
		ossl.mode = mode
		return ossl, nil
	case "test":
		mode, err := ResolveMode(ctx, cfg.Mode, staticVersion(NativeLibraryVersion))
		if err != nil {
			return nil, err
		}
		return NewTestCipher(mode), nil
	default:
		return nil, fmt.Errorf("unknown cipher backend: %q", cfg.Backend)
	}
}

type staticVersion string

func (v staticVersion) LibraryVersion(context.Context) (string, error) { return string(v), nil }
