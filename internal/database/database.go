// Package database opens the SQL backends the wallet stores run on.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// sqliteParams serialize writers at BEGIN and wait on a locked database
// instead of failing with SQLITE_BUSY.
const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// SQLiteDSN turns a file path into a go-sqlite3 DSN with the wallet's pragmas.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return "file:" + path + "&" + sqliteParams
	}
	return "file:" + path + "?" + sqliteParams
}

// Open opens and pings a database. For SQLite, dsn may be a plain path.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite, "sqlite":
		driver = DriverSQLite
		if !strings.HasPrefix(dsn, "file:") {
			dsn = SQLiteDSN(dsn)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// Writers queue on the database lock; a small pool bounds the waiters.
		db.SetMaxOpenConns(8)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a unique or primary key
// constraint failure from either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
