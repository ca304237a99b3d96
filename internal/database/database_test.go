package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/w.db?"+sqliteParams, SQLiteDSN("/tmp/w.db"))
	assert.Equal(t, "file:/tmp/w.db?cache=shared&"+sqliteParams, SQLiteDSN("/tmp/w.db?cache=shared"))
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	db, err := Open(context.Background(), "sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var one int
	require.NoError(t, db.QueryRow("SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
	assert.Equal(t, 8, db.Stats().MaxOpenConnections)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "u.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE k (id TEXT PRIMARY KEY, v TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO k VALUES ('a', 'x')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO k VALUES ('a', 'y')`)
	assert.True(t, IsUniqueViolation(err), "primary key: %v", err)
	_, err = db.Exec(`INSERT INTO k VALUES ('b', 'x')`)
	assert.True(t, IsUniqueViolation(err), "unique: %v", err)

	assert.False(t, IsUniqueViolation(errors.New("other")))
	assert.False(t, IsUniqueViolation(nil))
}
