package hbk

import (
	"fmt"
	"time"
)

// Artifact is a complete, restorable pair of ciphertexts in the repository.
type Artifact struct {
	ID          ArtifactID
	PayloadPath string
	KeyPath     string
	PayloadSize int64
	ModTime     time.Time
}

// PruneMode controls whether retention looks at artifact pairs or single files.
type PruneMode string

const (
	// PrunePair deletes an artifact only when every file it has left is past
	// retention, so a pair straddling the boundary is kept whole.
	PrunePair PruneMode = "pair"
	// PruneFile judges each file by its own age, like `find -mtime +N -delete`.
	PruneFile PruneMode = "file"
)

// ParsePruneMode parses a configured prune mode. Empty means PrunePair.
func ParsePruneMode(s string) (PruneMode, error) {
	switch PruneMode(s) {
	case "":
		return PrunePair, nil
	case PrunePair, PruneFile:
		return PruneMode(s), nil
	default:
		return "", fmt.Errorf("unknown prune mode: %q", s)
	}
}

// PruneResult summarizes one retention pass.
type PruneResult struct {
	// Deleted lists the file names removed, in deletion order.
	Deleted []string
	// RemovedIDs lists artifacts that no longer have any file in the repository.
	RemovedIDs []ArtifactID
	// Failed counts files whose deletion was attempted and failed.
	Failed int
}

// Count returns the number of files deleted.
func (r *PruneResult) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Deleted)
}

// ArtifactStore places finished ciphertexts in the backup repository and
// enforces retention.
type ArtifactStore interface {
	// Place renames both temporary files into the repository under id's
	// names. Rename keeps each file atomic; if the second rename fails the
	// first is rolled back, so a restorable artifact never appears half-placed.
	Place(tempPayload, tempKey string, id ArtifactID) (*Artifact, error)

	// Prune deletes files older than maxAgeDays whole days relative to now.
	// Deletion is best-effort per file: failures are returned together after
	// every eligible file has been attempted. maxAgeDays <= 0 disables pruning.
	Prune(maxAgeDays int, now time.Time) (*PruneResult, error)

	// List returns complete artifacts, oldest first.
	List() ([]*Artifact, error)

	// Root returns the repository directory.
	Root() string
}
