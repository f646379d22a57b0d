package hbk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// RunLock is an advisory marker file whose presence means a run is in progress.
// It is not meant for distributed coordination; an operator can remove a stale
// marker by hand after a crash.
type RunLock struct {
	path     string
	mu       sync.Mutex
	released bool
}

// AcquireLock creates the marker at path. It fails with a PreflightError
// wrapping ErrAlreadyRunning if the marker already exists.
func AcquireLock(path string) (*RunLock, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, &PreflightError{Op: "acquire lock", Err: fmt.Errorf("%w: lock file %s exists", ErrAlreadyRunning, path)}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, &PreflightError{Op: "acquire lock", Err: fmt.Errorf("checking lock file: %w", err)}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &PreflightError{Op: "acquire lock", Err: fmt.Errorf("%w: lock file %s exists", ErrAlreadyRunning, path)}
		}
		return nil, &PreflightError{Op: "acquire lock", Err: fmt.Errorf("creating lock file: %w", err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &PreflightError{Op: "acquire lock", Err: fmt.Errorf("closing lock file: %w", err)}
	}

	return &RunLock{path: path}, nil
}

// Path returns the marker location.
func (l *RunLock) Path() string {
	return l.path
}

// Release removes the marker. A missing marker is not an error and repeated
// calls are no-ops.
func (l *RunLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "release lock", Err: err}
	}
	l.released = true
	return nil
}

// WithLock runs fn while holding the lock at path. The lock is released on
// every exit path, including a panic inside fn. A release failure is joined
// with fn's error.
func WithLock(path string, fn func() error) (err error) {
	lock, err := AcquireLock(path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	return fn()
}
