package encryption

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/awnumar/memguard"
)

// secretSize is the number of random bytes in a payload secret, before
// base64 encoding.
const secretSize = 32

// newSecret generates a fresh payload secret: 256 random bits, base64
// encoded, held in locked memory. The caller must Destroy it.
func newSecret() (*memguard.LockedBuffer, error) {
	raw := memguard.NewBufferRandom(secretSize)
	if raw.Size() != secretSize {
		return nil, fmt.Errorf("allocating secret buffer")
	}
	defer raw.Destroy()

	encoded := make([]byte, base64.StdEncoding.EncodedLen(secretSize))
	base64.StdEncoding.Encode(encoded, raw.Bytes())
	// NewBufferFromBytes wipes encoded.
	return memguard.NewBufferFromBytes(encoded), nil
}

// wrapSecret encrypts secret to recipient into f and closes it.
func wrapSecret(secret *memguard.LockedBuffer, recipient age.Recipient, f *os.File) error {
	defer f.Close()

	w, err := age.Encrypt(f, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(secret.Bytes()); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing secret: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing key file: %w", err)
	}
	return f.Close()
}

// unwrapSecret decrypts the key file at path with identity.
func unwrapSecret(path string, identity age.Identity) (*memguard.LockedBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file: %w", err)
	}
	secret, err := memguard.NewBufferFromEntireReader(io.LimitReader(r, 1<<10))
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	if secret.Size() == 0 {
		secret.Destroy()
		return nil, fmt.Errorf("key file %s holds an empty secret", path)
	}
	return secret, nil
}
