package hbk

import "time"

// Run statuses recorded in the catalog.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// RunRecord is one pipeline run as stored in the catalog.
type RunRecord struct {
	ID         int64
	RunID      string
	Operation  string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Message    string
}

// ArtifactRecord is the catalog's view of a placed artifact.
type ArtifactRecord struct {
	ID            ArtifactID
	RunID         int64
	PayloadName   string
	KeyName       string
	PayloadDigest string
	KeyDigest     string
	PayloadSize   int64
	CipherMode    CipherMode
	CreatedAt     time.Time
	MirroredAt    *time.Time
	PrunedAt      *time.Time
}

// Catalog records runs and the artifacts they produced. It is bookkeeping
// only: the repository directory stays the source of truth for what can be
// restored.
type Catalog interface {
	// StartRun records a run in the running state.
	StartRun(runID, operation string, startedAt time.Time) (*RunRecord, error)

	// FinishRun sets the final status and message of a run.
	FinishRun(id int64, status, message string, finishedAt time.Time) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*RunRecord, error)

	// RecordArtifact stores digests and metadata for a placed artifact.
	RecordArtifact(rec *ArtifactRecord) error

	// FindArtifact returns the record for id, or nil if none exists.
	FindArtifact(id ArtifactID) (*ArtifactRecord, error)

	// MarkArtifactMirrored records a successful offsite copy.
	MarkArtifactMirrored(id ArtifactID, at time.Time) error

	// MarkArtifactPruned records that retention removed the artifact.
	MarkArtifactPruned(id ArtifactID, at time.Time) error

	// Close releases the underlying connection.
	Close() error
}
