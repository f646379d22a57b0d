package testutil

import (
	"testing"

	"hbk-go/internal/database"
)

// NewTestCatalog creates a new in-memory run catalog with migrations applied.
// The catalog is automatically closed when the test completes.
func NewTestCatalog(t *testing.T) *database.SQLiteCatalog {
	t.Helper()

	c, err := database.NewSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
