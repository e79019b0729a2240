// Package migrate implements the versioned schema ledger of the sqlite
// backend (sqlitestore): a single-row-per-applied-version table plus an
// ordered list of idempotent migration functions, in the teacher's
// initSchema-by-hand style rather than a file-based runner, since the
// schema is compiled into the binary (spec.md §4.2). The postgres backend
// (pgstore) does not use it; it runs golang-migrate over embedded .sql
// files.
package migrate

import (
	"database/sql"
	"fmt"
)

// Migration is one schema step. Up must be idempotent: safe to run again
// on a database that already has it applied (store code relies on
// "CREATE TABLE IF NOT EXISTS" / "ALTER TABLE ... IF NOT EXISTS"-style
// statements rather than unconditional DDL).
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// Ledger tracks which migrations have been applied via a
// schema_migrations(version INTEGER PRIMARY KEY, applied_at) table.
type Ledger struct {
	db         *sql.DB
	paramStyle string // "?" for sqlite, "$1" for postgres
}

// New returns a Ledger bound to db using sqlite-style "?" placeholders.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, paramStyle: "?"}
}

// NewPostgres returns a Ledger bound to db using postgres-style "$N"
// placeholders.
func NewPostgres(db *sql.DB) *Ledger {
	return &Ledger{db: db, paramStyle: "$1"}
}

func (l *Ledger) versionParam() string {
	if l.paramStyle == "$1" {
		return "$1"
	}
	return "?"
}

// EnsureTable creates the schema_migrations table if absent. ddl is the
// full CREATE TABLE statement, dialect-specific.
func (l *Ledger) EnsureTable(ddl string) error {
	_, err := l.db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

// Apply runs every migration whose version is not yet recorded, each in
// its own transaction, in ascending version order.
func (l *Ledger) Apply(migrations []Migration) error {
	for _, m := range migrations {
		applied, err := l.isApplied(m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("migrate: begin %d (%s): %w", m.Version, m.Name, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: apply %d (%s): %w", m.Version, m.Name, err)
		}

		insertSQL := fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%s)", l.versionParam())
		if _, err := tx.Exec(insertSQL, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: record %d (%s): %w", m.Version, m.Name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (l *Ledger) isApplied(version int) (bool, error) {
	var count int
	querySQL := fmt.Sprintf("SELECT COUNT(*) FROM schema_migrations WHERE version = %s", l.versionParam())
	row := l.db.QueryRow(querySQL, version)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("migrate: check version %d: %w", version, err)
	}
	return count > 0, nil
}
