package testing

import (
	"path/filepath"
	"testing"

	"github.com/teranos/chainpulse/db"
)

// CreateTestDB creates a migrated sqlite test database in a temp dir.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *db.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
