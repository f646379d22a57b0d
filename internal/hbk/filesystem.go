package hbk

import (
	"io"
	"io/fs"
	"time"
)

// FileStat is the subset of stat(2) the pipeline cares about.
type FileStat struct {
	Path    string
	Mode    fs.FileMode
	UID     int
	GID     int
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// IsRegular reports whether the stat describes a regular file.
func (s *FileStat) IsRegular() bool {
	return s.Mode.IsRegular()
}

// FilesystemManager abstracts the permission and access checks the pipeline performs,
// so key and lock validation can be tested without chown or a second user.
type FilesystemManager interface {
	// Stat follows symlinks like os.Stat. Missing files yield an error
	// matching fs.ErrNotExist.
	Stat(path string) (*FileStat, error)

	// Exists reports whether anything is present at path.
	Exists(path string) (bool, error)

	// CheckReadable returns an error if the current process cannot read path.
	CheckReadable(path string) error

	// CheckWritable returns an error if the current process cannot create
	// entries in the directory dir.
	CheckWritable(dir string) error

	// Open opens path for reading. Uploads seek back to the start on retry.
	Open(path string) (io.ReadSeekCloser, error)

	// EffectiveIDs returns the effective uid and gid of the current process.
	EffectiveIDs() (uid, gid int)
}
