package hbk

import (
	"context"
	"io"
)

// Vault is an offsite mirror for placed artifacts. It only ever receives
// ciphertexts, so it needs no more trust than the repository itself.
type Vault interface {
	// PutArtifact stores a repository file under name. r is rewound before
	// each attempt, so implementations may retry.
	PutArtifact(ctx context.Context, name string, r io.ReadSeeker, size int64) error

	// GetArtifact writes the file stored under name to w.
	GetArtifact(ctx context.Context, name string, w io.Writer) error

	// ValidateSetup verifies the mirror is reachable and configured.
	ValidateSetup(ctx context.Context) error
}
