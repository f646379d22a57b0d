package hbk

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Artifact file naming. One run produces
//
//	backup.<id>.tar.e       payload ciphertext
//	backup.<id>.aes.key.e   key ciphertext
//
// where <id> is a second-granularity timestamp, optionally followed by a
// dash and a short hex token.
const (
	ArtifactPrefix  = "backup."
	PayloadSuffix   = ".tar.e"
	KeySuffix       = ".aes.key.e"
	TimestampLayout = "2006-01-02-150405"
)

// ArtifactPart identifies which half of an artifact a file holds.
type ArtifactPart int

const (
	PartPayload ArtifactPart = iota + 1
	PartKey
)

func (p ArtifactPart) String() string {
	switch p {
	case PartPayload:
		return "payload"
	case PartKey:
		return "key"
	default:
		return "unknown"
	}
}

// ArtifactID is the identifier shared by both files of an artifact.
type ArtifactID string

// NewArtifactID builds an id from t. A non-empty token is appended to make
// the id unique when two runs land in the same second.
func NewArtifactID(t time.Time, token string) ArtifactID {
	id := t.Format(TimestampLayout)
	if token != "" {
		id += "-" + token
	}
	return ArtifactID(id)
}

// PayloadName returns the payload ciphertext file name.
func (id ArtifactID) PayloadName() string {
	return ArtifactPrefix + string(id) + PayloadSuffix
}

// KeyName returns the key ciphertext file name.
func (id ArtifactID) KeyName() string {
	return ArtifactPrefix + string(id) + KeySuffix
}

// Time returns the timestamp encoded in the id, interpreted in loc.
func (id ArtifactID) Time(loc *time.Location) (time.Time, error) {
	s := string(id)
	if len(s) < len(TimestampLayout) {
		return time.Time{}, fmt.Errorf("artifact id too short: %q", s)
	}
	return time.ParseInLocation(TimestampLayout, s[:len(TimestampLayout)], loc)
}

// Valid reports whether id has the timestamp[-token] shape.
func (id ArtifactID) Valid() bool {
	s := string(id)
	if _, err := id.Time(time.UTC); err != nil {
		return false
	}
	rest := s[len(TimestampLayout):]
	if rest == "" {
		return true
	}
	if rest[0] != '-' || len(rest) == 1 {
		return false
	}
	for _, c := range rest[1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// ParseArtifactName splits a repository file name into its id and part.
// ok is false for names that follow neither convention.
func ParseArtifactName(name string) (id ArtifactID, part ArtifactPart, ok bool) {
	if !strings.HasPrefix(name, ArtifactPrefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(name, ArtifactPrefix)

	switch {
	case strings.HasSuffix(rest, KeySuffix):
		id, part = ArtifactID(strings.TrimSuffix(rest, KeySuffix)), PartKey
	case strings.HasSuffix(rest, PayloadSuffix):
		id, part = ArtifactID(strings.TrimSuffix(rest, PayloadSuffix)), PartPayload
	default:
		return "", 0, false
	}
	if !id.Valid() {
		return "", 0, false
	}
	return id, part, true
}

// KeyPathForPayload derives the key ciphertext path from a payload ciphertext
// path by swapping suffixes. The result is in the same directory.
func KeyPathForPayload(payloadPath string) (string, error) {
	dir, base := filepath.Split(payloadPath)
	if !strings.HasSuffix(base, PayloadSuffix) || base == PayloadSuffix {
		return "", fmt.Errorf("payload file %q does not end in %s", base, PayloadSuffix)
	}
	return filepath.Join(dir, strings.TrimSuffix(base, PayloadSuffix)+KeySuffix), nil
}

// PrivateKeyPathForPublic derives the private key path by stripping the
// public key's final extension, e.g. keys/hbk.pub -> keys/hbk.
func PrivateKeyPathForPublic(publicKeyPath string) (string, error) {
	ext := filepath.Ext(publicKeyPath)
	base := strings.TrimSuffix(filepath.Base(publicKeyPath), ext)
	if ext == "" || base == "" {
		return "", fmt.Errorf("public key path %q has no extension to strip", publicKeyPath)
	}
	return strings.TrimSuffix(publicKeyPath, ext), nil
}
