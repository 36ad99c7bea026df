// Package sqlite implements the event store, snapshot cache, and listener
// runtime on SQLite.
//
// The log lives in two tables: event_sequence, the reservation table whose
// AUTOINCREMENT primary key is the global event ID sequence, and event, the
// published log read by scans and listeners. The append protocol serializes
// concurrent writers by predicate: reservations are inserted first, peers
// matching the validation query are invalidated, and the append publishes
// only if its own reservations survived un-consumed.
//
// Change notifications are delivered through an in-process hub; cross-process
// listeners fall back to polling.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/disintegrate-es/disintegrate/serde"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on event_sequence.committed
const currentSchemaVersion = 1

// Store provides durable storage for the event log, snapshots, and listener
// cursors. Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	serde  serde.Serde
	notify *hub
	log    *logrus.Entry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and the listener runtime.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Store) { s.log = log.WithField("component", "sqlite") }
}

// Open creates or opens a SQLite database at the given path and applies the
// required pragmas and migrations. The serde decodes event payloads on scan;
// the event-type dispatch table is passed in explicitly - the store holds no
// global registry.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - a single writer connection to avoid SQLITE_BUSY errors
//
// This function is idempotent - safe to call multiple times.
func Open(path string, sd serde.Serde, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		serde:  sd,
		notify: newHub(),
		log:    logrus.StandardLogger().WithField("component", "sqlite"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.WithField("path", path).Debug("event store opened")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.notify.Close()
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SubscribeNewEvents registers for change notifications. One message is
// emitted per published event, carrying the event's type tag. Messages are
// hints to poll; slow consumers may miss notifications but never events.
// The returned cancel function must be called to release the subscription.
func (s *Store) SubscribeNewEvents() (<-chan string, func()) {
	return s.notify.Subscribe()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the committed-flag index for databases created before v1.
// New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_event_sequence_committed
		ON event_sequence(committed)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// begin starts a transaction wrapped in a StorageError on failure.
func (s *Store) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(op+": begin tx", err)
	}
	return tx, nil
}
