// Package migrations embeds the event store schema for each supported
// database and applies it with goose.
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

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// FS returns the migration files for driver, rooted at their directory.
func FS(driver string) (fs.FS, goose.Dialect, error) {
	var (
		dir     string
		dialect goose.Dialect
	)
	switch driver {
	case DriverPostgres:
		dir, dialect = "postgres", goose.DialectPostgres
	case DriverSQLite:
		dir, dialect = "sqlite", goose.DialectSQLite3
	default:
		return nil, "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
	sub, err := fs.Sub(files, dir)
	if err != nil {
		return nil, "", err
	}
	return sub, dialect, nil
}

// Up applies every pending migration for driver to db.
func Up(ctx context.Context, db *sql.DB, driver string) error {
	provider, err := newProvider(db, driver)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Version returns the current schema version for driver.
func Version(ctx context.Context, db *sql.DB, driver string) (int64, error) {
	provider, err := newProvider(db, driver)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func newProvider(db *sql.DB, driver string) (*goose.Provider, error) {
	fsys, dialect, err := FS(driver)
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return provider, nil
}
