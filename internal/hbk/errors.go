package hbk

import "errors"

// Sentinel causes. Callers match them with errors.Is through the typed errors below.
var (
	ErrAlreadyRunning     = errors.New("another run is in progress")
	ErrPermission         = errors.New("key file permissions or ownership are not safe")
	ErrRunningAsRoot      = errors.New("refusing to run with effective uid 0")
	ErrPayloadMissing     = errors.New("payload file is missing")
	ErrModeMismatch       = errors.New("cipher mode does not match the ciphertext")
	ErrArtifactExists     = errors.New("artifact already exists in repository")
	ErrIncompleteArtifact = errors.New("artifact is missing its payload or key file")
)

// PreflightError reports a failed check that runs before any state is mutated:
// an existing lock, unsafe key permissions, or excessive privilege.
type PreflightError struct {
	Op  string
	Err error
}

func (e *PreflightError) Error() string { return "preflight: " + e.Op + ": " + e.Err.Error() }
func (e *PreflightError) Unwrap() error { return e.Err }

// CipherError reports a failed encryption or decryption step.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string { return "cipher: " + e.Op + ": " + e.Err.Error() }
func (e *CipherError) Unwrap() error { return e.Err }

// ResolutionError reports a restore request that cannot be satisfied:
// unreadable companion files, an output collision, or unwritable directories.
type ResolutionError struct {
	Op  string
	Err error
}

func (e *ResolutionError) Error() string { return "resolve: " + e.Op + ": " + e.Err.Error() }
func (e *ResolutionError) Unwrap() error { return e.Err }

// IOError reports a rename, move or delete failure in the repository.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return "io: " + e.Op + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }
