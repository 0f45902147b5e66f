// Command migrate runs the event store migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// STORE_DRIVER selects postgres (DATABASE_URL) or sqlite (SQLITE_PATH).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/sndlabs/snd/internal/config"
	"github.com/sndlabs/snd/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()

	driver, dsn, err := target()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	fsys, dialect, err := migrations.FS(driver)
	if err != nil {
		log.Fatal(err)
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(string(dialect)); err != nil {
		log.Fatal(err)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(context.Background(), command, db, ".", args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}

// target resolves the sql driver name and DSN from the environment.
func target() (driver, dsn string, err error) {
	switch os.Getenv("STORE_DRIVER") {
	case config.DriverPostgres:
		dsn = os.Getenv("DATABASE_URL")
		if dsn == "" {
			return "", "", fmt.Errorf("DATABASE_URL environment variable is required")
		}
		return migrations.DriverPostgres, dsn, nil
	case config.DriverSQLite, "":
		dsn = os.Getenv("SQLITE_PATH")
		if dsn == "" {
			dsn = config.DefaultSQLitePath
		}
		return migrations.DriverSQLite, dsn, nil
	}
	return "", "", fmt.Errorf("migrate: STORE_DRIVER must be postgres or sqlite")
}
