// Package store implements the event-sourced session store (C1): an
// append-only, sequenced, branchable event log backed by an embedded
// SQLite database, with content-addressed blob offload and full-text
// search over the event history.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/relayforge/agentcore/internal/sqlitedriver"
)

// openDB opens the SQLite database at path, enables WAL mode, and applies
// every migration that hasn't already run.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL lets readers proceed concurrently

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}

	if err := applyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// hasColumn reports whether table has the named column. No current
// migration calls it; every migration is a CREATE ... IF NOT EXISTS.
func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// hasTable reports whether the named table or virtual table exists.
func hasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table') AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
