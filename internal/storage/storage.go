// Package storage provides the broker's relational storage engine: a thin
// wrapper over database/sql backed by modernc.org/sqlite (pure Go, no cgo),
// with an ordered, idempotent migration runner and a transaction helper.
// ":memory:" opens an in-process database, used by component tests in place
// of an on-disk file.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB opened against the broker's SQLite file.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) a SQLite database at path. Pass
// ":memory:" for an ephemeral in-memory database. Foreign keys are enabled
// via a connection pragma, plus a 5s busy timeout for on-disk databases; the
// journal mode is left at SQLite's default (WAL is not enabled).
func Open(path string) (*DB, error) {
	inMemory := path == "" || path == ":memory:"

	dsn := path
	if inMemory {
		dsn = ":memory:?_pragma=foreign_keys(1)"
	} else {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if inMemory {
		// A single shared connection keeps the in-memory database alive;
		// SQLite's ":memory:" database is per-connection otherwise.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	return &DB{DB: sqlDB}, nil
}

// Transaction runs fn inside a storage transaction, rolling back
// automatically if fn returns an error or panics, and committing otherwise.
// This is the primitive C7's termination handler and C6's handshake engine
// use to satisfy ordering guarantees O2/O3.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("storage: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Migration is one ordered, idempotent schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Migrate applies every migration in migrations whose version is not yet
// recorded in schema_version, in ascending version order, each inside its
// own transaction. Running Migrate again against a current database is a
// no-op.
func Migrate(ctx context.Context, db *DB, migrations []Migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`); err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("storage: read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan schema_version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate schema_version: %w", err)
	}
	rows.Close()

	ordered := append([]Migration(nil), migrations...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if applied[m.Version] {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, description) VALUES (?, ?)`,
				m.Version, m.Description)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
