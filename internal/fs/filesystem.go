package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"hbk-go/internal/hbk"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// Access checks go through access(2), so they honour ACLs and read-only mounts
// the same way the cipher will when it opens the files.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Stat returns mode, ownership and size for path, following symlinks.
func (m *OSFilesystemManager) Stat(path string) (*hbk.FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	uid, gid, err := ownerOf(info)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &hbk.FileStat{
		Path:    path,
		Mode:    info.Mode(),
		UID:     uid,
		GID:     gid,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// Exists reports whether anything, including a dangling symlink, is at path.
func (m *OSFilesystemManager) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}

// CheckReadable returns an error unless path is a readable regular file.
func (m *OSFilesystemManager) CheckReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("access %s: %w", path, err)
	}
	return nil
}

// CheckWritable returns an error unless dir is a directory the process can
// create entries in.
func (m *OSFilesystemManager) CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("access %s: %w", dir, err)
	}
	return nil
}

// Open opens path for reading.
func (m *OSFilesystemManager) Open(path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
}

// EffectiveIDs returns the effective uid and gid of the current process.
func (m *OSFilesystemManager) EffectiveIDs() (uid, gid int) {
	return os.Geteuid(), os.Getegid()
}

// Compile-time check that OSFilesystemManager implements hbk.FilesystemManager interface
var _ hbk.FilesystemManager = (*OSFilesystemManager)(nil)
