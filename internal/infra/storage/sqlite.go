// Package storage also hosts the relational-store bootstrap shared by
// the Deduplicator and the Persistent Queue: both own a table in the same
// SQLite database, opened with the WAL + busy-timeout DSN idiom,
// generalized into a reusable helper instead of being duplicated
// per-caller.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOptions configures the shared relational store.
type SQLiteOptions struct {
	// Path is the database file path, or ":memory:" for an ephemeral store
	// (tests, or a single-process deployment with no crash-recovery needs).
	Path string
	// BusyTimeout bounds how long a writer waits for another writer's lock
	// before giving up. Defaults to 5s.
	BusyTimeout time.Duration
	// MaxOpenConns caps concurrent connections. SQLite serializes writers
	// regardless, so a single connection is the safe default; callers
	// needing concurrent readers can raise it.
	MaxOpenConns int
}

// OpenSQLite opens (and lightly configures) a SQLite database suitable for
// concurrent readers and a single writer at a time: WAL journal mode,
// foreign keys on, and a busy timeout so lock contention backs off instead
// of failing immediately.
func OpenSQLite(opts SQLiteOptions) (*sql.DB, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=ON",
		opts.Path, busy.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.Path, err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", opts.Path, err)
	}
	return db, nil
}

// Migration is one forward-only schema step. Migrations never rewrite
// history; a new requirement is always a new, additive Migration appended
// to the caller's list.
type Migration struct {
	Version int
	Stmts   []string
}

// schemaVersionTable is created once per database and shared across every
// component's migration set, keyed by a component-specific name so the
// Deduplicator and the Persistent Queue can independently version their own
// tables inside the same file.
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_versions (
	component TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
);`

// ApplyMigrations runs every migration with Version greater than the
// component's currently recorded version, in ascending order, inside a
// single transaction per migration. Safe to call on every startup.
func ApplyMigrations(db *sql.DB, component string, migrations []Migration) error {
	if _, err := db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT version FROM schema_versions WHERE component = ?`, component)
	switch err := row.Scan(&current); err {
	case nil:
	case sql.ErrNoRows:
		current = 0
	default:
		return fmt.Errorf("read schema version for %s: %w", component, err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s v%d: %w", component, m.Version, err)
		}
		for _, stmt := range m.Stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %s v%d: %w", component, m.Version, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_versions(component, version) VALUES (?, ?)
			 ON CONFLICT(component) DO UPDATE SET version = excluded.version`,
			component, m.Version,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s v%d: %w", component, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s v%d: %w", component, m.Version, err)
		}
		current = m.Version
	}
	return nil
}
