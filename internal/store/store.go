package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/relayforge/agentcore/internal/store/search"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// Store is the event-sourced session store. Append, CreateSession and
// CreateWorkspace serialize through the Store's own mutex; the remaining
// writes (ArchiveSession, ReleaseBlob) rely on SQLite's locking and the
// single pooled connection.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	search *search.Index
}

// Open opens (creating if absent) the SQLite database at dbPath and the
// bleve full-text index rooted at indexDir.
func Open(dbPath, indexDir string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	idx, err := search.Open(indexDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open search index: %w", err)
	}
	return &Store{db: db, search: idx}, nil
}

// Close releases the database and search index handles.
func (s *Store) Close() error {
	s.search.Close()
	return s.db.Close()
}

func newID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// CreateWorkspace records a new workspace rooted at path, or returns the
// existing one if path is already known.
func (s *Store) CreateWorkspace(ctx context.Context, path string) (types.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing types.Workspace
	var createdAt, lastActivity int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, created_at, last_activity_at FROM workspaces WHERE path = ?`, path).
		Scan(&existing.ID, &existing.Path, &createdAt, &lastActivity)
	if err == nil {
		existing.CreatedAt = time.UnixMilli(createdAt)
		existing.LastActivityAt = time.UnixMilli(lastActivity)
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return types.Workspace{}, fmt.Errorf("store: lookup workspace: %w", err)
	}

	now := time.Now()
	w := types.Workspace{ID: "ws_" + uuid.NewString(), Path: path, CreatedAt: now, LastActivityAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, path, created_at, last_activity_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.Path, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return types.Workspace{}, fmt.Errorf("store: insert workspace: %w", err)
	}
	return w, nil
}

// CreateSession starts a new session in workspaceID, optionally forked
// from forkFromEventID in parentSessionID, or spawned by
// spawningSessionID as spawnType.
func (s *Store) CreateSession(ctx context.Context, in types.Session) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	in.ID = newID("ses")
	in.CreatedAt = now
	in.UpdatedAt = now

	var spawnType *string
	if in.Spawn != nil {
		v := string(*in.Spawn)
		spawnType = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, head_event_id, root_event_id, parent_session_id,
			fork_from_event_id, spawning_session_id, spawn_type, spawn_task,
			model, working_directory, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.WorkspaceID, nullStr(in.HeadEventID), nullStr(in.RootEventID),
		in.ParentSessionID, in.ForkFromEventID, in.SpawningSessionID, spawnType, in.SpawnTask,
		in.Model, in.WorkingDirectory, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return types.Session{}, fmt.Errorf("store: insert session: %w", err)
	}
	return in, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelectQuery+` WHERE id = ?`, id))
}

const sessionSelectQuery = `
	SELECT id, workspace_id, head_event_id, root_event_id, parent_session_id,
		fork_from_event_id, spawning_session_id, spawn_type, spawn_task,
		model, working_directory, archived_at, created_at, updated_at,
		event_count, message_count, turn_count, cumulative_tokens,
		last_turn_tokens, cache_read_tokens, cache_create_tokens, cost_usd
	FROM sessions`

func scanSession(row *sql.Row) (types.Session, error) {
	var s types.Session
	var head, root sql.NullString
	var spawnType sql.NullString
	var archivedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.WorkspaceID, &head, &root, &s.ParentSessionID,
		&s.ForkFromEventID, &s.SpawningSessionID, &spawnType, &s.SpawnTask,
		&s.Model, &s.WorkingDirectory, &archivedAt, &createdAt, &updatedAt,
		&s.Counters.EventCount, &s.Counters.MessageCount, &s.Counters.TurnCount,
		&s.Counters.CumulativeTokens, &s.Counters.LastTurnTokens,
		&s.Counters.CacheReadTokens, &s.Counters.CacheCreateTokens, &s.Counters.CostUSD)
	if err == sql.ErrNoRows {
		return types.Session{}, apierr.New(apierr.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("store: scan session: %w", err)
	}
	s.HeadEventID = head.String
	s.RootEventID = root.String
	if spawnType.Valid {
		t := types.SpawnType(spawnType.String)
		s.Spawn = &t
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64)
		s.ArchivedAt = &t
	}
	return s, nil
}

// ListSessions returns every non-archived session in workspaceID, most
// recently updated first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectQuery+
		` WHERE workspace_id = ? AND archived_at IS NULL ORDER BY updated_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var sess types.Session
		var head, root sql.NullString
		var spawnType sql.NullString
		var archivedAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &head, &root, &sess.ParentSessionID,
			&sess.ForkFromEventID, &sess.SpawningSessionID, &spawnType, &sess.SpawnTask,
			&sess.Model, &sess.WorkingDirectory, &archivedAt, &createdAt, &updatedAt,
			&sess.Counters.EventCount, &sess.Counters.MessageCount, &sess.Counters.TurnCount,
			&sess.Counters.CumulativeTokens, &sess.Counters.LastTurnTokens,
			&sess.Counters.CacheReadTokens, &sess.Counters.CacheCreateTokens, &sess.Counters.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan session row: %w", err)
		}
		sess.HeadEventID = head.String
		sess.RootEventID = root.String
		if spawnType.Valid {
			t := types.SpawnType(spawnType.String)
			sess.Spawn = &t
		}
		sess.CreatedAt = time.UnixMilli(createdAt)
		sess.UpdatedAt = time.UnixMilli(updatedAt)
		if archivedAt.Valid {
			t := time.UnixMilli(archivedAt.Int64)
			sess.ArchivedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ArchiveSession soft-deletes a session; its event chain is retained.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.CodeSessionNotFound, "session not found or already archived")
	}
	return nil
}

// Append persists a new event onto a session's chain. The event row, head
// pointer, aggregate counters and blob insert (if oversized) are written in
// one transaction. Full-text indexing runs after that transaction commits
// and its error is discarded, so a committed event can be missing from
// search results. The bus publish is the caller's responsibility.
func (s *Store) Append(ctx context.Context, in types.EventInput) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	var headEventID sql.NullString
	var nextSeq, parentDepth int64
	err = tx.QueryRowContext(ctx, `SELECT head_event_id FROM sessions WHERE id = ?`, in.SessionID).
		Scan(&headEventID)
	if err == sql.ErrNoRows {
		return types.Event{}, apierr.New(apierr.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return types.Event{}, fmt.Errorf("store: lock session head: %w", err)
	}

	currentHead := headEventID.String
	if in.ExpectedParentID != nil && *in.ExpectedParentID != currentHead {
		return types.Event{}, apierr.New(apierr.CodeStoreConflict,
			fmt.Sprintf("expected parent %q but head is %q", *in.ExpectedParentID, currentHead))
	}

	if currentHead != "" {
		if err := tx.QueryRowContext(ctx, `SELECT sequence, depth FROM events WHERE id = ?`, currentHead).
			Scan(&nextSeq, &parentDepth); err != nil {
			return types.Event{}, fmt.Errorf("store: load head event: %w", err)
		}
	}

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("store: marshal payload: %w", err)
	}

	var blobID *string
	const offloadThreshold = 8 * 1024
	if len(payloadJSON) > offloadThreshold {
		id, err := s.createBlobTx(ctx, tx, payloadJSON, "application/json")
		if err != nil {
			return types.Event{}, err
		}
		blobID = &id
		payloadJSON = json.RawMessage(`{"offloaded":true}`)
	}

	ev := types.Event{
		ID:                newID("evt"),
		SessionID:         in.SessionID,
		Sequence:          nextSeq + 1,
		Depth:             parentDepth + 1,
		Type:              in.Type,
		TimestampMillis:   time.Now().UnixMilli(),
		Payload:           payloadJSON,
		ContentBlobID:     blobID,
		WorkspaceID:       in.WorkspaceID,
		Role:              in.Role,
		ToolName:          in.ToolName,
		ToolCallID:        in.ToolCallID,
		Turn:              in.Turn,
		InputTokens:       in.InputTokens,
		OutputTokens:      in.OutputTokens,
		CacheReadTokens:   in.CacheReadTokens,
		CacheCreateTokens: in.CacheCreateTokens,
	}
	if currentHead != "" {
		ev.ParentID = &currentHead
	}
	ev.Checksum = checksum(ev)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			id, session_id, parent_id, sequence, depth, type, timestamp_millis,
			payload, content_blob_id, workspace_id, role, tool_name, tool_call_id,
			turn, input_tokens, output_tokens, cache_read_tokens, cache_create_tokens, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.ParentID, ev.Sequence, ev.Depth, string(ev.Type), ev.TimestampMillis,
		string(ev.Payload), ev.ContentBlobID, ev.WorkspaceID, ev.Role, ev.ToolName, ev.ToolCallID,
		ev.Turn, ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.CacheCreateTokens, ev.Checksum)
	if err != nil {
		return types.Event{}, fmt.Errorf("store: insert event: %w", err)
	}

	isMessage := ev.Type == types.EventMessageUser || ev.Type == types.EventMessageAssistant || ev.Type == types.EventMessageSystem
	isTurn := ev.Type == types.EventStreamTurnEnd

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			head_event_id = ?,
			root_event_id = COALESCE(NULLIF(root_event_id, ''), ?),
			updated_at = ?,
			event_count = event_count + 1,
			message_count = message_count + ?,
			turn_count = turn_count + ?,
			cumulative_tokens = cumulative_tokens + ?,
			last_turn_tokens = CASE WHEN ? THEN ? ELSE last_turn_tokens END,
			cache_read_tokens = cache_read_tokens + ?,
			cache_create_tokens = cache_create_tokens + ?
		WHERE id = ?`,
		ev.ID, ev.ID, ev.TimestampMillis,
		boolToInt(isMessage), boolToInt(isTurn),
		ev.InputTokens+ev.OutputTokens,
		isTurn, ev.InputTokens+ev.OutputTokens,
		ev.CacheReadTokens, ev.CacheCreateTokens,
		ev.SessionID)
	if err != nil {
		return types.Event{}, fmt.Errorf("store: update session head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Event{}, fmt.Errorf("store: commit append: %w", err)
	}

	if text := searchableText(ev.Type, in.Payload); text != "" {
		_ = s.search.Index(ev.ID, search.Document{
			SessionID: ev.SessionID,
			Type:      string(ev.Type),
			Text:      text,
			Timestamp: ev.TimestampMillis,
		})
	}

	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checksum(ev types.Event) string {
	// A lightweight tamper-evidence checksum, not a cryptographic
	// signature: detects accidental corruption of a replayed row.
	h := fmt.Sprintf("%s|%d|%s|%s", ev.SessionID, ev.Sequence, ev.Type, ev.Payload)
	sum := sha256.Sum256([]byte(h))
	return hex.EncodeToString(sum[:])
}

// GetEvent loads a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (types.Event, error) {
	ev, err := scanEventRow(s.db.QueryRowContext(ctx, eventSelectQuery+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return types.Event{}, apierr.New(apierr.CodeEventNotFound, "event not found")
	}
	return ev, err
}

const eventSelectQuery = `
	SELECT id, session_id, parent_id, sequence, depth, type, timestamp_millis,
		payload, content_blob_id, workspace_id, role, tool_name, tool_call_id,
		turn, input_tokens, output_tokens, cache_read_tokens, cache_create_tokens, checksum
	FROM events`

func scanEventRow(row *sql.Row) (types.Event, error) {
	var ev types.Event
	var parentID, blobID, role, toolName, toolCallID, checksum sql.NullString
	var payload string
	var typ string
	if err := row.Scan(&ev.ID, &ev.SessionID, &parentID, &ev.Sequence, &ev.Depth, &typ,
		&ev.TimestampMillis, &payload, &blobID, &ev.WorkspaceID, &role, &toolName, &toolCallID,
		&ev.Turn, &ev.InputTokens, &ev.OutputTokens, &ev.CacheReadTokens, &ev.CacheCreateTokens, &checksum); err != nil {
		return types.Event{}, err
	}
	ev.Type = types.EventType(typ)
	ev.Payload = json.RawMessage(payload)
	if parentID.Valid {
		ev.ParentID = &parentID.String
	}
	if blobID.Valid {
		ev.ContentBlobID = &blobID.String
	}
	ev.Role, ev.ToolName, ev.ToolCallID, ev.Checksum = role.String, toolName.String, toolCallID.String, checksum.String
	return ev, nil
}

// GetEventsBySession returns events in sequence order, filtered by query.
func (s *Store) GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error) {
	query := eventSelectQuery + ` WHERE session_id = ? AND sequence > ?`
	args := []any{sessionID, q.AfterSequence}
	if len(q.Types) > 0 {
		query += ` AND type IN (`
		for i, t := range q.Types {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, string(t))
		}
		query += `)`
	}
	query += ` ORDER BY sequence ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var parentID, blobID, role, toolName, toolCallID, checksum sql.NullString
		var payload, typ string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &parentID, &ev.Sequence, &ev.Depth, &typ,
			&ev.TimestampMillis, &payload, &blobID, &ev.WorkspaceID, &role, &toolName, &toolCallID,
			&ev.Turn, &ev.InputTokens, &ev.OutputTokens, &ev.CacheReadTokens, &ev.CacheCreateTokens, &checksum); err != nil {
			return nil, fmt.Errorf("store: scan event row: %w", err)
		}
		ev.Type = types.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		if parentID.Valid {
			ev.ParentID = &parentID.String
		}
		if blobID.Valid {
			ev.ContentBlobID = &blobID.String
		}
		ev.Role, ev.ToolName, ev.ToolCallID, ev.Checksum = role.String, toolName.String, toolCallID.String, checksum.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteMessage appends a message.deleted tombstone targeting eventID; the
// original row is never removed, per the append-only invariant.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, eventID, reason string) (types.Event, error) {
	return s.Append(ctx, types.EventInput{
		SessionID: sessionID,
		Type:      types.EventMessageDeleted,
		Payload:   types.DeletedPayload{TargetEventID: eventID, Reason: reason},
	})
}

// ForkSession creates a new session whose root is forkFromEventID's event
// chain up to and including that event, by copying the events into a new
// chain with a fresh session id. This keeps the parent's later history
// untouched, at the cost of duplicating rows rather than sharing a
// structural-sharing tree -- simple, and correct, for the event counts
// this system sees in practice.
func (s *Store) ForkSession(ctx context.Context, parentSessionID, forkFromEventID string) (types.Session, error) {
	parent, err := s.GetSession(ctx, parentSessionID)
	if err != nil {
		return types.Session{}, err
	}
	events, err := s.GetEventsBySession(ctx, parentSessionID, types.EventQuery{})
	if err != nil {
		return types.Session{}, err
	}

	forkSpawn := parent.ParentSessionID
	_ = forkSpawn
	child := types.Session{
		WorkspaceID:      parent.WorkspaceID,
		ParentSessionID:  &parentSessionID,
		ForkFromEventID:  &forkFromEventID,
		Model:            parent.Model,
		WorkingDirectory: parent.WorkingDirectory,
	}
	child, err = s.CreateSession(ctx, child)
	if err != nil {
		return types.Session{}, err
	}

	var cutoffSeq int64 = -1
	for _, e := range events {
		if e.ID == forkFromEventID {
			cutoffSeq = e.Sequence
			break
		}
	}
	if cutoffSeq < 0 {
		return types.Session{}, apierr.New(apierr.CodeEventNotFound, "fork point event not found")
	}

	var lastHead *string
	for _, e := range events {
		if e.Sequence > cutoffSeq {
			break
		}
		appended, err := s.Append(ctx, types.EventInput{
			SessionID:        child.ID,
			ExpectedParentID: lastHead,
			Type:             e.Type,
			WorkspaceID:      e.WorkspaceID,
			Payload:          json.RawMessage(e.Payload),
			Role:             e.Role,
			ToolName:         e.ToolName,
			ToolCallID:       e.ToolCallID,
			Turn:             e.Turn,
			InputTokens:      e.InputTokens,
			OutputTokens:     e.OutputTokens,
			CacheReadTokens:  e.CacheReadTokens,
			CacheCreateTokens: e.CacheCreateTokens,
		})
		if err != nil {
			return types.Session{}, fmt.Errorf("store: fork copy event: %w", err)
		}
		lastHead = &appended.ID
	}

	return s.GetSession(ctx, child.ID)
}

// SearchFullText searches the bleve index scoped to sessionID (all
// sessions if sessionID is empty) and returns matching event ids ranked
// by relevance.
func (s *Store) SearchFullText(ctx context.Context, sessionID, query string, limit int) ([]string, error) {
	return s.search.Search(sessionID, query, limit)
}

func searchableText(t types.EventType, payload any) string {
	switch t {
	case types.EventMessageUser, types.EventMessageAssistant, types.EventMessageSystem:
		if mp, ok := payload.(types.MessagePayload); ok {
			var sb []byte
			for _, b := range mp.Blocks {
				if tb, ok := b.(types.TextBlock); ok {
					sb = append(sb, []byte(tb.Text+"\n")...)
				}
			}
			return string(sb)
		}
	case types.EventToolCall, types.EventToolResult:
		if rb, ok := payload.(types.ToolResultBlock); ok {
			return rb.Content
		}
	case types.EventCompactSummary:
		if sp, ok := payload.(types.CompactSummaryPayload); ok {
			return sp.Text
		}
	}
	return ""
}
