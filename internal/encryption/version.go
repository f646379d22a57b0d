package encryption

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-version"

	"hbk-go/internal/hbk"
)

// ModeAuto asks the backend for its library version and picks the strongest
// mode it supports.
const ModeAuto = "auto"

// minPBKDF2Version is the first OpenSSL release with `enc -pbkdf2`.
const minPBKDF2Version = "1.1.1"

// Matches the numeric part of strings like "OpenSSL 1.1.1k  25 Mar 2021" or
// "LibreSSL 3.3.6". Letter suffixes would otherwise parse as prereleases.
var libraryVersionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

var pbkdf2Constraint = mustConstraint(">= " + minPBKDF2Version)

func mustConstraint(s string) version.Constraints {
	c, err := version.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// VersionReporter is implemented by backends whose supported modes depend
// on the underlying library.
type VersionReporter interface {
	LibraryVersion(ctx context.Context) (string, error)
}

// ParseLibraryVersion extracts a semantic version from a library banner.
func ParseLibraryVersion(banner string) (*version.Version, error) {
	m := libraryVersionRe.FindString(banner)
	if m == "" {
		return nil, fmt.Errorf("no version number in %q", banner)
	}
	return version.NewVersion(m)
}

// SelectMode returns ModePBKDF2 for libraries at or above 1.1.1 and
// ModeLegacy for older ones.
func SelectMode(v *version.Version) hbk.CipherMode {
	if pbkdf2Constraint.Check(v) {
		return hbk.ModePBKDF2
	}
	return hbk.ModeLegacy
}

// ResolveMode turns a configured mode into a concrete one. An explicit mode
// is returned unchanged; "auto" or empty queries r.
func ResolveMode(ctx context.Context, configured string, r VersionReporter) (hbk.CipherMode, error) {
	if configured != "" && configured != ModeAuto {
		return hbk.ParseCipherMode(configured)
	}

	banner, err := r.LibraryVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("detecting cipher library version: %w", err)
	}
	v, err := ParseLibraryVersion(banner)
	if err != nil {
		return "", fmt.Errorf("detecting cipher library version: %w", err)
	}
	return SelectMode(v), nil
}
