package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/migrations"
)

// SQLiteTest opens a migrated SQLite database in a temp dir. It is closed
// when the test ends.
func SQLiteTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("sqlitetest: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.Up(ctx, db, database.DriverSQLite); err != nil {
		t.Fatalf("sqlitetest: run migrations: %v", err)
	}
	return db
}
