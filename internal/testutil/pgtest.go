// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sndlabs/snd/migrations"
)

// PGTest opens a Postgres database with the schema migrated and returns the
// *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL is used when set. Otherwise a throwaway container is started;
// the test is skipped in -short mode or when Docker is unavailable.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}

	return db, cleanup
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("POSTGRES_URL not set and -short given, skipping integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("snd_test"),
		postgres.WithUsername("snd"),
		postgres.WithPassword("snd"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("pgtest: postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	})

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return connStr
}

// truncateAll empties every application table between tests. The goose
// version table is left alone so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
