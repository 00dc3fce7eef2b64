package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version     int
	description string
	apply       func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema: workspaces, sessions, events, blobs, runs",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS schema_version (
					version     INTEGER PRIMARY KEY,
					description TEXT NOT NULL,
					applied_at  INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS workspaces (
					id               TEXT PRIMARY KEY,
					path             TEXT NOT NULL,
					created_at       INTEGER NOT NULL,
					last_activity_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS sessions (
					id                   TEXT PRIMARY KEY,
					workspace_id         TEXT NOT NULL REFERENCES workspaces(id),
					head_event_id        TEXT,
					root_event_id        TEXT,
					parent_session_id    TEXT REFERENCES sessions(id),
					fork_from_event_id   TEXT,
					spawning_session_id  TEXT REFERENCES sessions(id),
					spawn_type           TEXT,
					spawn_task           TEXT,
					model                TEXT,
					working_directory    TEXT NOT NULL,
					archived_at          INTEGER,
					created_at           INTEGER NOT NULL,
					updated_at           INTEGER NOT NULL,
					event_count          INTEGER NOT NULL DEFAULT 0,
					message_count        INTEGER NOT NULL DEFAULT 0,
					turn_count           INTEGER NOT NULL DEFAULT 0,
					cumulative_tokens    INTEGER NOT NULL DEFAULT 0,
					last_turn_tokens     INTEGER NOT NULL DEFAULT 0,
					cache_read_tokens    INTEGER NOT NULL DEFAULT 0,
					cache_create_tokens  INTEGER NOT NULL DEFAULT 0,
					cost_usd             REAL NOT NULL DEFAULT 0
				);
				CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
				CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
				CREATE INDEX IF NOT EXISTS idx_sessions_spawning ON sessions(spawning_session_id);

				CREATE TABLE IF NOT EXISTS events (
					id                  TEXT PRIMARY KEY,
					session_id          TEXT NOT NULL REFERENCES sessions(id),
					parent_id           TEXT,
					sequence            INTEGER NOT NULL,
					depth               INTEGER NOT NULL,
					type                TEXT NOT NULL,
					timestamp_millis    INTEGER NOT NULL,
					payload             TEXT NOT NULL,
					content_blob_id     TEXT REFERENCES blobs(id),
					workspace_id        TEXT NOT NULL,
					role                TEXT,
					tool_name           TEXT,
					tool_call_id        TEXT,
					turn                INTEGER NOT NULL DEFAULT 0,
					input_tokens        INTEGER NOT NULL DEFAULT 0,
					output_tokens       INTEGER NOT NULL DEFAULT 0,
					cache_read_tokens   INTEGER NOT NULL DEFAULT 0,
					cache_create_tokens INTEGER NOT NULL DEFAULT 0,
					checksum            TEXT,
					UNIQUE(session_id, sequence)
				);
				CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence);
				CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

				CREATE TABLE IF NOT EXISTS blobs (
					id              TEXT PRIMARY KEY,
					hash            TEXT NOT NULL UNIQUE,
					bytes           BLOB NOT NULL,
					mime_type       TEXT NOT NULL,
					original_size   INTEGER NOT NULL,
					compressed_size INTEGER NOT NULL,
					compression_tag TEXT,
					ref_count       INTEGER NOT NULL DEFAULT 1,
					created_at      INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_blobs_hash ON blobs(hash);

				CREATE TABLE IF NOT EXISTS runs (
					id                TEXT PRIMARY KEY,
					session_id        TEXT NOT NULL REFERENCES sessions(id),
					client_request_id TEXT,
					status            TEXT NOT NULL,
					started_at        INTEGER NOT NULL,
					completed_at      INTEGER,
					result_summary    TEXT,
					error             TEXT,
					input_tokens      INTEGER NOT NULL DEFAULT 0,
					output_tokens     INTEGER NOT NULL DEFAULT 0,
					UNIQUE(session_id, client_request_id)
				);
				CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
			`)
			return err
		},
	},
}

// applyMigrations runs every migration whose version is not yet recorded
// in schema_version, each in its own transaction, in ascending order. An
// up-to-date database skips every migration; a fresh one applies them all.
// Every CREATE is guarded by IF NOT EXISTS, so re-applying one is harmless.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("store: bootstrap schema_version: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_version WHERE version = ?`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, unixepoch())`,
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
