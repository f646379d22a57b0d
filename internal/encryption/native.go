package encryption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"

	"hbk-go/internal/hbk"
)

// NativeLibraryVersion is the version the native backend reports for mode
// detection. It supports both modes, so "auto" resolves to PBKDF2.
const NativeLibraryVersion = "2.0.0"

// ageHeader starts every binary age file, including passphrase-protected
// private keys.
const ageHeader = "age-encryption.org/v1\n"

// PassphraseFunc supplies the passphrase of a protected private key. It is
// only called on restore, and only when the key file is encrypted.
type PassphraseFunc func() (string, error)

// NativeCipher implements hbk.EnvelopeCipher in-process. The secret is wrapped
// with filippo.io/age X25519 keys and the payload is sealed with the chunked
// AES-256-GCM stream format in stream.go.
type NativeCipher struct {
	mode       hbk.CipherMode
	passphrase PassphraseFunc
}

var _ hbk.EnvelopeCipher = (*NativeCipher)(nil)

// NewNativeCipher creates a NativeCipher. passphrase may be nil if private
// keys are stored unprotected.
func NewNativeCipher(mode hbk.CipherMode, passphrase PassphraseFunc) *NativeCipher {
	return &NativeCipher{mode: mode, passphrase: passphrase}
}

func (c *NativeCipher) Mode() hbk.CipherMode { return c.mode }

// LibraryVersion reports NativeLibraryVersion.
func (c *NativeCipher) LibraryVersion(context.Context) (string, error) {
	return NativeLibraryVersion, nil
}

// Encrypt writes the wrapped secret to req.KeyOut and the sealed payload to
// req.PayloadOut, then deletes the plaintext.
func (c *NativeCipher) Encrypt(ctx context.Context, req hbk.EncryptRequest) (*hbk.SealedFiles, error) {
	if err := checkPayload(req.PayloadPath); err != nil {
		return nil, &hbk.CipherError{Op: "check payload", Err: err}
	}
	recipient, err := loadRecipient(req.PublicKeyPath)
	if err != nil {
		return nil, &hbk.CipherError{Op: "load public key", Err: err}
	}

	secret, err := newSecret()
	if err != nil {
		return nil, &hbk.CipherError{Op: "generate secret", Err: err}
	}
	defer secret.Destroy()

	var created cleanupList
	fail := func(op string, err error) (*hbk.SealedFiles, error) {
		created.run()
		return nil, &hbk.CipherError{Op: op, Err: err}
	}

	keyOut, err := createExclusive(req.KeyOut)
	if err != nil {
		return fail("wrap secret", err)
	}
	created.add(req.KeyOut)
	if err := wrapSecret(secret, recipient, keyOut); err != nil {
		return fail("wrap secret", err)
	}

	out, err := createExclusive(req.PayloadOut)
	if err != nil {
		return fail("encrypt payload", err)
	}
	created.add(req.PayloadOut)
	if err := sealFile(ctx, out, req.PayloadPath, secret.Bytes(), c.mode); err != nil {
		return fail("encrypt payload", err)
	}

	// The ciphertext is complete and synced; only now is the plaintext
	// expendable.
	if err := os.Remove(req.PayloadPath); err != nil {
		return fail("remove plaintext", err)
	}

	return &hbk.SealedFiles{PayloadPath: req.PayloadOut, KeyPath: req.KeyOut}, nil
}

func sealFile(ctx context.Context, out *os.File, plainPath string, secret []byte, mode hbk.CipherMode) error {
	defer out.Close()

	in, err := os.Open(plainPath)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
	}
	defer in.Close()

	if err := sealStream(ctx, out, in, secret, mode); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing ciphertext: %w", err)
	}
	return out.Close()
}

// Decrypt unwraps the secret with the private key and opens the payload into
// outputPath. The secret never touches disk.
func (c *NativeCipher) Decrypt(ctx context.Context, payloadCipherPath, keyCipherPath, privateKeyPath, outputPath string) error {
	identity, err := c.loadIdentity(privateKeyPath)
	if err != nil {
		return &hbk.CipherError{Op: "load private key", Err: err}
	}

	secret, err := unwrapSecret(keyCipherPath, identity)
	if err != nil {
		return &hbk.CipherError{Op: "unwrap secret", Err: err}
	}
	defer secret.Destroy()

	err = publishOutput(outputPath, func(tmpPath string) error {
		in, err := os.Open(payloadCipherPath)
		if err != nil {
			return fmt.Errorf("opening payload ciphertext: %w", err)
		}
		defer in.Close()

		out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer out.Close()

		if err := openStream(ctx, out, in, secret.Bytes(), c.mode); err != nil {
			return err
		}
		if err := out.Sync(); err != nil {
			return err
		}
		return out.Close()
	})
	if err != nil {
		return &hbk.CipherError{Op: "decrypt payload", Err: err}
	}
	return nil
}

// loadRecipient reads an age public key file.
func loadRecipient(path string) (age.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}
	return recipients[0], nil
}

// loadIdentity reads a private key file, decrypting it with the passphrase
// first if it is age-encrypted.
func (c *NativeCipher) loadIdentity(path string) (age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	if bytes.HasPrefix(data, []byte(ageHeader)) {
		if c.passphrase == nil {
			return nil, fmt.Errorf("private key is passphrase-protected and no passphrase is available")
		}
		passphrase, err := c.passphrase()
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		scrypt, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted private key: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return identities[0], nil
}

// GenerateKeyPair creates a new X25519 key pair. The public key is written
// with mode 0400 so the key guard accepts it; the private key with mode 0600,
// encrypted with passphrase unless it is empty. Existing files are never
// overwritten.
func GenerateKeyPair(publicKeyPath, privateKeyPath, passphrase string) error {
	for _, p := range []string{publicKeyPath, privateKeyPath} {
		if _, err := os.Lstat(p); err == nil {
			return fmt.Errorf("key file %s: %w", p, fs.ErrExist)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(publicKeyPath), 0700); err != nil {
		return fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}

	if err := writePrivateKey(privateKeyPath, identity, passphrase); err != nil {
		return err
	}

	pub, err := os.OpenFile(publicKeyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if err != nil {
		os.Remove(privateKeyPath)
		return fmt.Errorf("creating public key file: %w", err)
	}
	defer pub.Close()
	if _, err := io.WriteString(pub, identity.Recipient().String()+"\n"); err != nil {
		os.Remove(privateKeyPath)
		os.Remove(publicKeyPath)
		return fmt.Errorf("writing public key: %w", err)
	}
	return pub.Close()
}

func writePrivateKey(path string, identity *age.X25519Identity, passphrase string) (err error) {
	f, err := createExclusive(path)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	var w io.WriteCloser = nopWriteCloser{f}
	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return fmt.Errorf("creating scrypt recipient: %w", err)
		}
		if w, err = age.Encrypt(f, recipient); err != nil {
			return fmt.Errorf("creating encrypted writer: %w", err)
		}
	}

	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing private key: %w", err)
	}
	return f.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
