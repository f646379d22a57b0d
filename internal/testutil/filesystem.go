package testutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	hbkfs "hbk-go/internal/fs"
	"hbk-go/internal/hbk"
)

// MockFilesystemManager runs against the real filesystem but lets a test
// fake what normally needs root: file ownership, the process's effective
// ids, and access(2) denials.
type MockFilesystemManager struct {
	real *hbkfs.OSFilesystemManager

	mu         sync.Mutex
	uid, gid   int
	owners     map[string][2]int
	unreadable map[string]bool
	unwritable map[string]bool
	unopenable map[string]bool
	opened     []string
}

// NewMockFilesystemManager creates a mock that reports the real effective
// ids and real ownership until told otherwise.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		real:       hbkfs.NewOSFilesystemManager(),
		uid:        os.Geteuid(),
		gid:        os.Getegid(),
		owners:     make(map[string][2]int),
		unreadable: make(map[string]bool),
		unwritable: make(map[string]bool),
		unopenable: make(map[string]bool),
	}
}

// SetEffectiveIDs changes what EffectiveIDs reports.
func (m *MockFilesystemManager) SetEffectiveIDs(uid, gid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uid, m.gid = uid, gid
}

// SetOwner makes Stat report uid:gid as the owner of path.
func (m *MockFilesystemManager) SetOwner(path string, uid, gid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[clean(path)] = [2]int{uid, gid}
}

// DenyRead makes CheckReadable fail for path.
func (m *MockFilesystemManager) DenyRead(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreadable[clean(path)] = true
}

// DenyWrite makes CheckWritable fail for the directory dir.
func (m *MockFilesystemManager) DenyWrite(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwritable[clean(dir)] = true
}

// DenyOpen makes Open fail for path.
func (m *MockFilesystemManager) DenyOpen(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unopenable[clean(path)] = true
}

// Opened returns the paths passed to Open, in call order.
func (m *MockFilesystemManager) Opened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.opened...)
}

func (m *MockFilesystemManager) Stat(path string) (*hbk.FileStat, error) {
	st, err := m.real.Stat(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[clean(path)]; ok {
		st.UID, st.GID = owner[0], owner[1]
	}
	return st, nil
}

func (m *MockFilesystemManager) Exists(path string) (bool, error) {
	return m.real.Exists(path)
}

func (m *MockFilesystemManager) CheckReadable(path string) error {
	m.mu.Lock()
	denied := m.unreadable[clean(path)]
	m.mu.Unlock()
	if denied {
		return fmt.Errorf("access %s: %w", path, os.ErrPermission)
	}
	return m.real.CheckReadable(path)
}

func (m *MockFilesystemManager) CheckWritable(dir string) error {
	m.mu.Lock()
	denied := m.unwritable[clean(dir)]
	m.mu.Unlock()
	if denied {
		return fmt.Errorf("access %s: %w", dir, os.ErrPermission)
	}
	return m.real.CheckWritable(dir)
}

func (m *MockFilesystemManager) Open(path string) (io.ReadSeekCloser, error) {
	m.mu.Lock()
	m.opened = append(m.opened, clean(path))
	denied := m.unopenable[clean(path)]
	m.mu.Unlock()
	if denied {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrPermission)
	}
	return m.real.Open(path)
}

func (m *MockFilesystemManager) EffectiveIDs() (uid, gid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid, m.gid
}

func clean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Compile-time check that MockFilesystemManager implements hbk.FilesystemManager interface
var _ hbk.FilesystemManager = (*MockFilesystemManager)(nil)
