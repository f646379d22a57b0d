package encryption

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/awnumar/memguard"

	"hbk-go/internal/hbk"
)

// modeTagPrefix starts the second line of a wrapped secret. `enc -pass file:`
// reads only the first line, so the unwrapped file still works with openssl
// alone.
const modeTagPrefix = "mode:"

// taggedSecret returns the secret followed by a line naming mode. The caller
// must wipe the result.
func taggedSecret(secret []byte, mode hbk.CipherMode) []byte {
	b := make([]byte, 0, len(secret)+len(modeTagPrefix)+len(mode)+2)
	b = append(b, secret...)
	b = append(b, '\n')
	b = append(b, modeTagPrefix...)
	b = append(b, mode...)
	return append(b, '\n')
}

// wrappedMode returns the mode tagged in an unwrapped secret, or "" for
// secrets wrapped without a tag.
func wrappedMode(unwrapped []byte) hbk.CipherMode {
	_, rest, ok := bytes.Cut(unwrapped, []byte("\n"))
	if !ok {
		return ""
	}
	line, _, _ := bytes.Cut(rest, []byte("\n"))
	tag, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte(modeTagPrefix))
	if !ok {
		return ""
	}
	return hbk.CipherMode(tag)
}

// CommandRunner runs an external program. stdin may be nil.
type CommandRunner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. Errors include the command's stderr.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		sub := ""
		if len(args) > 0 {
			sub = " " + args[0]
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s%s: %w: %s", name, sub, err, msg)
		}
		return out, fmt.Errorf("%s%s: %w", name, sub, err)
	}
	return out, nil
}

// OpenSSLCipher implements hbk.EnvelopeCipher with the openssl command line
// tool: pkeyutl wraps the secret with an RSA key and enc seals the payload
// with AES-256-CBC. Artifacts it writes can be restored with openssl alone.
type OpenSSLCipher struct {
	binary  string
	mode    hbk.CipherMode
	tempDir string
	runner  CommandRunner
}

var _ hbk.EnvelopeCipher = (*OpenSSLCipher)(nil)

// NewOpenSSLCipher creates an OpenSSLCipher. tempDir holds the unwrapped
// secret during Decrypt; empty means os.TempDir().
func NewOpenSSLCipher(binary string, mode hbk.CipherMode, tempDir string, runner CommandRunner) *OpenSSLCipher {
	if binary == "" {
		binary = "openssl"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &OpenSSLCipher{binary: binary, mode: mode, tempDir: tempDir, runner: runner}
}

func (c *OpenSSLCipher) Mode() hbk.CipherMode { return c.mode }

// LibraryVersion returns the output of `openssl version`.
func (c *OpenSSLCipher) LibraryVersion(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, nil, c.binary, "version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *OpenSSLCipher) encArgs(decrypt bool, in, out, pass string) []string {
	args := []string{"enc"}
	if decrypt {
		args = append(args, "-d")
	}
	args = append(args, "-aes-256-cbc", "-salt")
	if c.mode == hbk.ModePBKDF2 {
		args = append(args, "-pbkdf2")
	}
	return append(args, "-in", in, "-out", out, "-pass", pass)
}

// Encrypt wraps a fresh secret, tagged with the cipher mode, with the public
// key, seals the payload with it, and deletes the plaintext. The secret
// reaches openssl over stdin only.
func (c *OpenSSLCipher) Encrypt(ctx context.Context, req hbk.EncryptRequest) (*hbk.SealedFiles, error) {
	if err := checkPayload(req.PayloadPath); err != nil {
		return nil, &hbk.CipherError{Op: "check payload", Err: err}
	}
	if _, err := os.ReadFile(req.PublicKeyPath); err != nil {
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

	// Pre-create both outputs so openssl writes into files that are 0600
	// from the start.
	for _, p := range []string{req.KeyOut, req.PayloadOut} {
		f, err := createExclusive(p)
		if err != nil {
			return fail("create output", err)
		}
		f.Close()
		created.add(p)
	}

	tagged := taggedSecret(secret.Bytes(), c.mode)
	_, err = c.runner.Run(ctx, bytes.NewReader(tagged), c.binary,
		"pkeyutl", "-encrypt", "-pubin", "-inkey", req.PublicKeyPath, "-out", req.KeyOut)
	memguard.WipeBytes(tagged)
	if err != nil {
		return fail("wrap secret", err)
	}

	if _, err := c.runner.Run(ctx, bytes.NewReader(secret.Bytes()), c.binary,
		c.encArgs(false, req.PayloadPath, req.PayloadOut, "stdin")...); err != nil {
		return fail("encrypt payload", err)
	}

	if err := os.Remove(req.PayloadPath); err != nil {
		return fail("remove plaintext", err)
	}
	return &hbk.SealedFiles{PayloadPath: req.PayloadOut, KeyPath: req.KeyOut}, nil
}

// Decrypt unwraps the secret into a 0600 temp file, which is removed on
// every path, and decrypts the payload with it.
func (c *OpenSSLCipher) Decrypt(ctx context.Context, payloadCipherPath, keyCipherPath, privateKeyPath, outputPath string) error {
	tmp, err := os.CreateTemp(c.tempDir, ".hbk-secret-*")
	if err != nil {
		return &hbk.CipherError{Op: "create secret file", Err: err}
	}
	secretPath := tmp.Name()
	tmp.Close()
	defer os.Remove(secretPath)

	if _, err := c.runner.Run(ctx, nil, c.binary,
		"pkeyutl", "-decrypt", "-inkey", privateKeyPath, "-in", keyCipherPath, "-out", secretPath); err != nil {
		return &hbk.CipherError{Op: "unwrap secret", Err: err}
	}

	// enc cannot tell a wrong key derivation from a right one reliably, so
	// the mode recorded at wrap time is checked first. Untagged secrets
	// fall back to the padding check below.
	unwrapped, err := os.ReadFile(secretPath)
	if err != nil {
		return &hbk.CipherError{Op: "unwrap secret", Err: err}
	}
	mode := wrappedMode(unwrapped)
	memguard.WipeBytes(unwrapped)
	if mode != "" && mode != c.mode {
		return &hbk.CipherError{Op: "check mode", Err: fmt.Errorf("%w: secret was wrapped for %s, configured %s", hbk.ErrModeMismatch, mode, c.mode)}
	}

	err = publishOutput(outputPath, func(tmpPath string) error {
		_, err := c.runner.Run(ctx, nil, c.binary, c.encArgs(true, payloadCipherPath, tmpPath, "file:"+secretPath)...)
		if err != nil && strings.Contains(err.Error(), "bad decrypt") {
			return fmt.Errorf("%w (wrong key, corrupted ciphertext, or written in a mode other than %s)", err, c.mode)
		}
		return err
	})
	if err != nil {
		return &hbk.CipherError{Op: "decrypt payload", Err: err}
	}
	return nil
}
