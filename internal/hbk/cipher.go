package hbk

import (
	"context"
	"fmt"
)

// CipherMode selects how the payload key is derived from the secret.
type CipherMode string

const (
	// ModePBKDF2 is salted PBKDF2 derivation. Default for all new artifacts.
	ModePBKDF2 CipherMode = "pbkdf2"
	// ModeLegacy is salted derivation without iteration hardening, kept for
	// interoperability with older cipher libraries.
	ModeLegacy CipherMode = "legacy"
)

// ParseCipherMode parses a configured mode. "auto" is not a mode; it is
// resolved by the encryption package before a cipher is constructed.
func ParseCipherMode(s string) (CipherMode, error) {
	switch CipherMode(s) {
	case ModePBKDF2, ModeLegacy:
		return CipherMode(s), nil
	default:
		return "", fmt.Errorf("unknown cipher mode: %q", s)
	}
}

// EncryptRequest names the plaintext, the public key, and where the two
// ciphertexts must be written. Output paths must not exist yet.
type EncryptRequest struct {
	PayloadPath   string
	PublicKeyPath string
	PayloadOut    string
	KeyOut        string
}

// SealedFiles are the ciphertexts produced by a successful Encrypt.
type SealedFiles struct {
	PayloadPath string
	KeyPath     string
}

// EnvelopeCipher performs envelope encryption: a fresh secret encrypts the
// payload and the public key encrypts the secret.
type EnvelopeCipher interface {
	// Encrypt seals req.PayloadPath. Both outputs are created with mode 0600.
	// The plaintext payload is deleted only once its ciphertext is complete;
	// on failure the plaintext is left in place and any partial outputs are
	// removed. Failures are returned as *CipherError.
	Encrypt(ctx context.Context, req EncryptRequest) (*SealedFiles, error)

	// Decrypt recovers the payload into outputPath, which must not exist.
	// Temporary secret material is removed on every path. A ciphertext
	// written in a different mode fails with ErrModeMismatch.
	Decrypt(ctx context.Context, payloadCipherPath, keyCipherPath, privateKeyPath, outputPath string) error

	// Mode returns the symmetric mode this cipher encrypts and decrypts with.
	Mode() CipherMode
}
