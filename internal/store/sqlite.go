// Package store provides SQLite-backed persistence for workflow history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS stage_transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id   TEXT NOT NULL,
	from_stage   TEXT NOT NULL DEFAULT '',
	to_stage     TEXT NOT NULL,
	reason       TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_project ON stage_transitions(project_id, id);

CREATE TABLE IF NOT EXISTS dispatches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	dispatch_id  TEXT NOT NULL,
	project_id   TEXT NOT NULL,
	stage        TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	command      TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatches_project ON dispatches(project_id, id);
`

// NewDB opens a SQLite database at path with WAL journaling and runs the
// schema migration. The parent directory is created if needed.
func NewDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
