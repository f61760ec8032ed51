// Package sqlstore implements storage.Backend on database/sql with one
// table per concern: records (JSON values), counters, leases, and the
// append-only audit log. Supported drivers are the pure-Go SQLite driver
// and pgx for PostgreSQL; the engine sees only the storage.Backend contract.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/masc-io/masc/pkg/clock"
	"github.com/masc-io/masc/pkg/storage"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "modernc.org/sqlite"             // pure-Go SQLite driver
)

// Dialect selects the SQL flavor.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. Without it the store is silent.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source for lease expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store is the SQL-backed storage.Backend.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	clock   clock.Clock
}

var _ storage.Backend = (*Store)(nil)

// Open connects to the database and applies the schema. For SQLite, dsn is
// a file path; the pool is capped at one connection so writers serialize
// through it instead of hitting SQLITE_BUSY. For Postgres, dsn is a pgx
// connection string and migrations run via golang-migrate.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, storage.Unavailable("sqlstore: open", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.Unavailable("sqlstore: ping", err)
	}

	s := &Store{db: db, dialect: dialect, clock: clock.NewSystem()}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("sqlstore opened", "dialect", dialect)
	return s, nil
}

// rebind converts ?-style placeholders to $N for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Get returns the record bytes for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM masc_records WHERE key = ?`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Unavailable("sqlstore: get "+key, err)
	}
	return value, true, nil
}

// Put upserts the record in a single statement (atomic replace).
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO masc_records (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, value)
	if err != nil {
		return storage.Unavailable("sqlstore: put "+key, err)
	}
	return nil
}

// Delete removes the record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM masc_records WHERE key = ?`), key)
	if err != nil {
		return false, storage.Unavailable("sqlstore: delete "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Unavailable("sqlstore: delete "+key, err)
	}
	return n > 0, nil
}

// keyRangeEnd is the exclusive upper bound for prefix scans.
const keyRangeEnd = "\uffff"

// List returns all keys with the given prefix in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT key FROM masc_records WHERE key >= ? AND key < ? ORDER BY key`),
		prefix, prefix+keyRangeEnd)
	if err != nil {
		return nil, storage.Unavailable("sqlstore: list "+prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storage.Unavailable("sqlstore: list "+prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("sqlstore: list "+prefix, err)
	}
	return keys, nil
}

// AtomicInc adds delta to the counter in one upsert with RETURNING, which
// both SQLite and Postgres execute atomically.
func (s *Store) AtomicInc(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO masc_counters (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = masc_counters.value + excluded.value
		 RETURNING value`),
		key, delta).Scan(&value)
	if err != nil {
		return 0, storage.Unavailable("sqlstore: atomic_inc "+key, err)
	}
	return value, nil
}

// AcquireLock takes the lease in one conditional upsert: the update fires
// only when the existing lease is expired or already owned by owner.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO masc_leases (key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE masc_leases.owner = excluded.owner OR masc_leases.expires_at <= ?`),
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, storage.Unavailable("sqlstore: acquire_lock "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Unavailable("sqlstore: acquire_lock "+key, err)
	}
	return n > 0, nil
}

// ReleaseLock drops the lease when held by owner.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM masc_leases WHERE key = ? AND owner = ?`), key, owner)
	if err != nil {
		return false, storage.Unavailable("sqlstore: release_lock "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Unavailable("sqlstore: release_lock "+key, err)
	}
	return n > 0, nil
}

// Append inserts one audit line. Ordering comes from the serial id.
func (s *Store) Append(ctx context.Context, key string, line []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO masc_log (key, line, created_at) VALUES (?, ?, ?)`),
		key, line, s.clock.Now().UnixMilli())
	if err != nil {
		return storage.Unavailable("sqlstore: append "+key, err)
	}
	return nil
}

// ReadLog returns appended lines with id > afterIndex in id order.
func (s *Store) ReadLog(ctx context.Context, key string, afterIndex uint64, limit int) ([]storage.LogEntry, error) {
	query := `SELECT id, line FROM masc_log WHERE key = ? AND id > ? ORDER BY id`
	args := []any{key, int64(afterIndex)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storage.Unavailable("sqlstore: read_log "+key, err)
	}
	defer rows.Close()

	var entries []storage.LogEntry
	for rows.Next() {
		var id int64
		var line []byte
		if err := rows.Scan(&id, &line); err != nil {
			return nil, storage.Unavailable("sqlstore: read_log "+key, err)
		}
		entries = append(entries, storage.LogEntry{Index: uint64(id), Line: line})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("sqlstore: read_log "+key, err)
	}
	return entries, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable("sqlstore: ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }
