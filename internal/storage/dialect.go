package storage

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect isolates what differs between the SQL backends. Queries are
// written with '?' placeholders and rebound per driver.
type dialect struct {
	name       string
	driver     string
	migration  string
	lockSuffix string // appended to the user-row read inside quota transactions
}

var (
	dialectSQLite = dialect{
		name:      "sqlite",
		driver:    "sqlite",
		migration: "migrations/sqlite.sql",
	}
	dialectPostgres = dialect{
		name:       "postgres",
		driver:     "postgres",
		migration:  "migrations/postgres.sql",
		lockSuffix: " FOR UPDATE",
	}
)

func openSQLite(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, dialectSQLite.driver, path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// live only as long as their connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	return db, nil
}

func openPostgres(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage: postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, dialectPostgres.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB, d dialect) error {
	b, err := migrationsFS.ReadFile(d.migration)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("storage: migrate %s: %w", d.name, err)
	}
	return nil
}
