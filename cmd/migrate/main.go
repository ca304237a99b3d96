// Command migrate applies the embedded schema with goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//
// DATABASE_URL selects the database and DB_DRIVER (postgres or sqlite3) the
// dialect.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status|version>")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}
	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = database.DriverPostgres
	}

	ctx := context.Background()
	db, err := database.Open(ctx, driver, dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	provider, err := migrations.NewProvider(db, driver)
	if err != nil {
		log.Fatal(err)
	}

	switch cmd := os.Args[1]; cmd {
	case "up":
		results, err := provider.Up(ctx)
		for _, r := range results {
			log.Printf("applied %s (%s)", r.Source.Path, r.Duration)
		}
		if err != nil {
			log.Fatalf("migrate up: %v", err)
		}
	case "down":
		r, err := provider.Down(ctx)
		if err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		if r != nil {
			log.Printf("rolled back %s", r.Source.Path)
		}
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			log.Fatalf("migrate status: %v", err)
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-8d %-40s %s\n", s.Source.Version, s.Source.Path, applied)
		}
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			log.Fatalf("migrate version: %v", err)
		}
		fmt.Println(v)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}
