package encryption

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"hbk-go/internal/hbk"
)

// Payload ciphertext layout:
//
//	magic(8) | mode(1) | salt(16) | iterations(4, big endian) | chunk...
//
// Each chunk is AES-256-GCM over at most chunkSize bytes of plaintext. The
// nonce is an 11-byte big-endian chunk counter followed by a flag byte that
// is 1 only for the final chunk, so truncation and reordering fail to
// authenticate. The header is the additional data of every chunk.
const (
	streamMagic      = "HBKENC1\n"
	chunkSize        = 64 * 1024
	saltSize         = 16
	keySize          = 32
	headerSize       = len(streamMagic) + 1 + saltSize + 4
	pbkdf2Iterations = 10000
)

const (
	modeBytePBKDF2 byte = 1
	modeByteLegacy byte = 2
)

var errNotCiphertext = errors.New("not an hbk payload ciphertext")

type streamHeader struct {
	mode       hbk.CipherMode
	salt       []byte
	iterations uint32
}

func newStreamHeader(mode hbk.CipherMode) (*streamHeader, error) {
	h := &streamHeader{mode: mode, salt: make([]byte, saltSize), iterations: 1}
	if mode == hbk.ModePBKDF2 {
		h.iterations = pbkdf2Iterations
	}
	if _, err := rand.Read(h.salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return h, nil
}

func (h *streamHeader) marshal() ([]byte, error) {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, streamMagic...)
	switch h.mode {
	case hbk.ModePBKDF2:
		buf = append(buf, modeBytePBKDF2)
	case hbk.ModeLegacy:
		buf = append(buf, modeByteLegacy)
	default:
		return nil, fmt.Errorf("unknown cipher mode: %q", h.mode)
	}
	buf = append(buf, h.salt...)
	return binary.BigEndian.AppendUint32(buf, h.iterations), nil
}

func parseStreamHeader(buf []byte) (*streamHeader, error) {
	if len(buf) != headerSize || !bytes.HasPrefix(buf, []byte(streamMagic)) {
		return nil, errNotCiphertext
	}
	h := &streamHeader{salt: make([]byte, saltSize)}
	switch buf[len(streamMagic)] {
	case modeBytePBKDF2:
		h.mode = hbk.ModePBKDF2
	case modeByteLegacy:
		h.mode = hbk.ModeLegacy
	default:
		return nil, fmt.Errorf("unknown mode byte %#x", buf[len(streamMagic)])
	}
	off := len(streamMagic) + 1
	copy(h.salt, buf[off:off+saltSize])
	h.iterations = binary.BigEndian.Uint32(buf[off+saltSize:])
	if h.iterations == 0 {
		return nil, fmt.Errorf("invalid iteration count 0")
	}
	return h, nil
}

// deriveKey turns the secret into the AES key. Legacy mode is one salted
// SHA-256 pass with no work factor.
func (h *streamHeader) deriveKey(secret []byte) []byte {
	if h.mode == hbk.ModePBKDF2 {
		return pbkdf2.Key(secret, h.salt, int(h.iterations), keySize, sha256.New)
	}
	d := sha256.New()
	d.Write(secret)
	d.Write(h.salt)
	return d.Sum(nil)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(nonce []byte, counter uint64, last bool) {
	clear(nonce)
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if last {
		nonce[11] = 1
	}
}

// sealStream encrypts r into w with a key derived from secret.
func sealStream(ctx context.Context, w io.Writer, r io.Reader, secret []byte, mode hbk.CipherMode) error {
	h, err := newStreamHeader(mode)
	if err != nil {
		return err
	}
	header, err := h.marshal()
	if err != nil {
		return err
	}
	aead, err := newAEAD(h.deriveKey(secret))
	if err != nil {
		return fmt.Errorf("initializing cipher: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	br := bufio.NewReaderSize(r, chunkSize)
	plain := make([]byte, chunkSize)
	sealed := make([]byte, 0, chunkSize+aead.Overhead())
	nonce := make([]byte, aead.NonceSize())

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(br, plain)
		last := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			last = true
		case err != nil:
			return fmt.Errorf("reading plaintext: %w", err)
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				last = true
			} else if perr != nil {
				return fmt.Errorf("reading plaintext: %w", perr)
			}
		}

		chunkNonce(nonce, counter, last)
		sealed = aead.Seal(sealed[:0], nonce, plain[:n], header)
		if _, err := w.Write(sealed); err != nil {
			return fmt.Errorf("writing chunk %d: %w", counter, err)
		}
		if last {
			return nil
		}
	}
}

// openStream decrypts r into w. The header's mode must equal mode.
func openStream(ctx context.Context, w io.Writer, r io.Reader, secret []byte, mode hbk.CipherMode) error {
	br := bufio.NewReaderSize(r, chunkSize+64)

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errNotCiphertext
		}
		return fmt.Errorf("reading header: %w", err)
	}
	h, err := parseStreamHeader(header)
	if err != nil {
		return err
	}
	if h.mode != mode {
		return fmt.Errorf("%w: ciphertext uses %s, configured %s", hbk.ErrModeMismatch, h.mode, mode)
	}

	aead, err := newAEAD(h.deriveKey(secret))
	if err != nil {
		return fmt.Errorf("initializing cipher: %w", err)
	}

	sealed := make([]byte, chunkSize+aead.Overhead())
	plain := make([]byte, 0, chunkSize)
	nonce := make([]byte, aead.NonceSize())

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(br, sealed)
		last := false
		switch {
		case err == io.EOF:
			return fmt.Errorf("ciphertext truncated before chunk %d", counter)
		case err == io.ErrUnexpectedEOF:
			last = true
		case err != nil:
			return fmt.Errorf("reading chunk %d: %w", counter, err)
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				last = true
			} else if perr != nil {
				return fmt.Errorf("reading chunk %d: %w", counter, perr)
			}
		}

		chunkNonce(nonce, counter, last)
		plain, err = aead.Open(plain[:0], nonce, sealed[:n], header)
		if err != nil {
			return fmt.Errorf("chunk %d failed authentication: wrong key or corrupted ciphertext", counter)
		}
		if _, err := w.Write(plain); err != nil {
			return fmt.Errorf("writing plaintext: %w", err)
		}
		if last {
			return nil
		}
	}
}
