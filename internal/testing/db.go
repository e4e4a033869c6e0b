// Package testing provides shared test helpers for the finch project.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/anshultibby/finch-sub002/internal/database"
)

// NewTestDB creates a temporary SQLite database with the named schema
// applied ("strategies", "ledger", "audit", "cache"). The cleanup
// function closes the connection and removes the file.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: failed to remove test database file %s: %v", tmpPath, err)
		}
	}
}
