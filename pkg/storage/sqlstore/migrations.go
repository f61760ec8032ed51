package sqlstore

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// sqliteSchema is applied inline for the SQLite dialect. SQLite rooms are
// single-process; versioned migrations add nothing over idempotent DDL.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS masc_records (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS masc_counters (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS masc_leases (
		key        TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS masc_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		key        TEXT NOT NULL,
		line       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_masc_log_key ON masc_log (key, id)`,
}

// migrate applies the schema for the store's dialect.
func (s *Store) migrate(ctx context.Context) error {
	switch s.dialect {
	case DialectSQLite:
		for _, ddl := range sqliteSchema {
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("sqlstore: create table: %w", err)
			}
		}
		return nil
	case DialectPostgres:
		return s.migratePostgres()
	default:
		return fmt.Errorf("sqlstore: unsupported dialect %q", s.dialect)
	}
}

// migratePostgres runs the embedded versioned migrations with golang-migrate.
func (s *Store) migratePostgres() error {
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("sqlstore: postgres migrate driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlstore: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "masc", driver)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sqlstore: apply migrations: %w", err)
	}

	// Close only the source. m.Close() would also close the shared *sql.DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("sqlstore: close migration source: %w", err)
	}
	return nil
}
