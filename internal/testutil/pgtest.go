// Package testutil opens migrated databases for store tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/migrations"
)

// walletTables are emptied after each PostgreSQL test, children first.
var walletTables = []string{"ledger_entries", "holds", "agent_balances", "funding_requests", "transactions"}

// PGTest returns a migrated PostgreSQL database. POSTGRES_URL points at an
// existing server; otherwise TESTCONTAINERS=1 starts a disposable container
// and anything else skips the test. Wallet tables are truncated when the
// test ends.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("set POSTGRES_URL or TESTCONTAINERS=1 to run PostgreSQL tests")
		}
		dsn = startPostgres(t)
	}

	db, err := database.Open(ctx, database.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "TRUNCATE "+strings.Join(walletTables, ", ")+" CASCADE")
		_ = db.Close()
	})

	if err := migrations.Up(ctx, db, database.DriverPostgres); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return db
}

// startPostgres runs postgres:16-alpine and registers its teardown.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("agentwallet"),
		postgres.WithUsername("wallet"),
		postgres.WithPassword("wallet"),
		postgres.BasicWaitStrategies(),
	)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn
}
