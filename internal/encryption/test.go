package encryption

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"hbk-go/internal/hbk"
)

// testHeader is prepended to payloads by TestCipher, followed by the mode and
// a newline, so ciphertexts differ from plaintext and carry their mode.
var testHeader = []byte("HBKTEST\x00")

// testSecret is the content TestCipher writes as the wrapped key.
var testSecret = []byte("hbk-test-secret\n")

// TestCipher is a deterministic, crypto-free hbk.EnvelopeCipher for tests.
// It follows the same file contract as the real backends: outputs are
// created 0600, the plaintext is removed only after both outputs exist,
// and Decrypt never overwrites its output. Set FailEncrypt or FailDecrypt to
// inject errors.
type TestCipher struct {
	mode hbk.CipherMode

	mu           sync.Mutex
	encryptCalls int
	decryptCalls int

	FailEncrypt error
	FailDecrypt error
}

var _ hbk.EnvelopeCipher = (*TestCipher)(nil)

// NewTestCipher creates a TestCipher in the given mode. Empty means PBKDF2.
func NewTestCipher(mode hbk.CipherMode) *TestCipher {
	if mode == "" {
		mode = hbk.ModePBKDF2
	}
	return &TestCipher{mode: mode}
}

func (c *TestCipher) Mode() hbk.CipherMode { return c.mode }

// EncryptCalls returns how many times Encrypt was called.
func (c *TestCipher) EncryptCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encryptCalls
}

// DecryptCalls returns how many times Decrypt was called.
func (c *TestCipher) DecryptCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decryptCalls
}

func (c *TestCipher) header() []byte {
	return append(append(bytes.Clone(testHeader), c.mode...), '\n')
}

func (c *TestCipher) Encrypt(ctx context.Context, req hbk.EncryptRequest) (*hbk.SealedFiles, error) {
	c.mu.Lock()
	c.encryptCalls++
	c.mu.Unlock()

	if err := checkPayload(req.PayloadPath); err != nil {
		return nil, &hbk.CipherError{Op: "check payload", Err: err}
	}
	if _, err := os.ReadFile(req.PublicKeyPath); err != nil {
		return nil, &hbk.CipherError{Op: "load public key", Err: err}
	}
	if c.FailEncrypt != nil {
		return nil, &hbk.CipherError{Op: "encrypt payload", Err: c.FailEncrypt}
	}

	plain, err := os.ReadFile(req.PayloadPath)
	if err != nil {
		return nil, &hbk.CipherError{Op: "read payload", Err: err}
	}

	var created cleanupList
	for _, out := range []struct {
		path string
		data []byte
	}{
		{req.KeyOut, testSecret},
		{req.PayloadOut, append(c.header(), plain...)},
	} {
		f, err := createExclusive(out.path)
		if err != nil {
			created.run()
			return nil, &hbk.CipherError{Op: "create output", Err: err}
		}
		created.add(out.path)
		_, err = f.Write(out.data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			created.run()
			return nil, &hbk.CipherError{Op: "write output", Err: err}
		}
	}

	if err := os.Remove(req.PayloadPath); err != nil {
		created.run()
		return nil, &hbk.CipherError{Op: "remove plaintext", Err: err}
	}
	return &hbk.SealedFiles{PayloadPath: req.PayloadOut, KeyPath: req.KeyOut}, nil
}

func (c *TestCipher) Decrypt(ctx context.Context, payloadCipherPath, keyCipherPath, privateKeyPath, outputPath string) error {
	c.mu.Lock()
	c.decryptCalls++
	c.mu.Unlock()

	if c.FailDecrypt != nil {
		return &hbk.CipherError{Op: "decrypt payload", Err: c.FailDecrypt}
	}
	if _, err := os.ReadFile(privateKeyPath); err != nil {
		return &hbk.CipherError{Op: "load private key", Err: err}
	}
	key, err := os.ReadFile(keyCipherPath)
	if err != nil {
		return &hbk.CipherError{Op: "unwrap secret", Err: err}
	}
	if !bytes.Equal(key, testSecret) {
		return &hbk.CipherError{Op: "unwrap secret", Err: fmt.Errorf("invalid test key file")}
	}

	data, err := os.ReadFile(payloadCipherPath)
	if err != nil {
		return &hbk.CipherError{Op: "decrypt payload", Err: err}
	}
	if !bytes.HasPrefix(data, testHeader) {
		return &hbk.CipherError{Op: "decrypt payload", Err: errNotCiphertext}
	}
	rest := data[len(testHeader):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return &hbk.CipherError{Op: "decrypt payload", Err: errNotCiphertext}
	}
	if mode := hbk.CipherMode(rest[:nl]); mode != c.mode {
		return &hbk.CipherError{Op: "decrypt payload", Err: fmt.Errorf("%w: ciphertext uses %s, configured %s", hbk.ErrModeMismatch, mode, c.mode)}
	}

	err = publishOutput(outputPath, func(tmpPath string) error {
		return os.WriteFile(tmpPath, rest[nl+1:], 0600)
	})
	if err != nil {
		return &hbk.CipherError{Op: "decrypt payload", Err: err}
	}
	return nil
}
