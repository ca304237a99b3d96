// Package migrations embeds the SQL schema for each supported database and
// applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// FS returns the migration files for a database/sql driver name.
func FS(driver string) (fs.FS, goose.Dialect, error) {
	switch driver {
	case "postgres":
		sub, err := fs.Sub(files, "postgres")
		return sub, goose.DialectPostgres, err
	case "sqlite3", "sqlite":
		sub, err := fs.Sub(files, "sqlite")
		return sub, goose.DialectSQLite3, err
	}
	return nil, "", fmt.Errorf("migrations: unsupported driver %q", driver)
}

// NewProvider returns a goose provider over the embedded files for driver.
func NewProvider(db *sql.DB, driver string) (*goose.Provider, error) {
	fsys, dialect, err := FS(driver)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, db, fsys)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, driver string) error {
	p, err := NewProvider(db, driver)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
