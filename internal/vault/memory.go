package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"hbk-go/internal/hbk"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It is useful for testing and is safe for concurrent use.
type MemoryVault struct {
	name    string
	objects map[string][]byte
	puts    int
	failPut error
	mu      sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		objects: make(map[string][]byte),
	}
}

// PutArtifact stores the file under name, replacing any previous copy.
func (m *MemoryVault) PutArtifact(ctx context.Context, name string, r io.ReadSeeker, size int64) error {
	if err := validName(name); err != nil {
		return err
	}

	m.mu.Lock()
	m.puts++
	failPut := m.failPut
	m.mu.Unlock()
	if failPut != nil {
		return failPut
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return nil
}

// GetArtifact writes the stored file to w.
func (m *MemoryVault) GetArtifact(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Names returns the stored names in sorted order.
func (m *MemoryVault) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Puts returns the number of PutArtifact calls, including failed ones.
func (m *MemoryVault) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// FailPuts makes every later PutArtifact return err. nil restores normal
// behaviour.
func (m *MemoryVault) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// Compile-time check that MemoryVault implements hbk.Vault interface
var _ hbk.Vault = (*MemoryVault)(nil)
