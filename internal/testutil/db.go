package testutil

import (
	"path/filepath"
	"testing"

	"github.com/adamscao/trustgate/internal/db"
)

// OpenDB opens a migrated database in a temporary directory
func OpenDB(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "trustgate.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return database
}
