package encryption

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"hbk-go/internal/hbk"
)

// createExclusive creates path with mode 0600, failing if it exists.
func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return f, nil
}

// checkPayload verifies the plaintext exists and is a regular file.
func checkPayload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", hbk.ErrPayloadMissing, path)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", hbk.ErrPayloadMissing, path)
	}
	return nil
}

// cleanupList removes the files a failed Encrypt created. Files that were
// already present are never registered, so they are never removed.
type cleanupList []string

func (c *cleanupList) add(path string) { *c = append(*c, path) }

func (c cleanupList) run() {
	for _, p := range c {
		os.Remove(p)
	}
}

// publishOutput calls write with a fresh temp file in outputPath's directory
// and links the finished file to outputPath. The temp file is always
// removed, so outputPath either holds the complete plaintext or nothing.
// An existing outputPath is never replaced.
func publishOutput(outputPath string, write func(tmpPath string) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".hbk-restore-*")
	if err != nil {
		return fmt.Errorf("creating temp output: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := write(tmpPath); err != nil {
		return err
	}

	if err := os.Link(tmpPath, outputPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("output %s already exists", outputPath)
		}
		return fmt.Errorf("publishing output: %w", err)
	}
	return nil
}
