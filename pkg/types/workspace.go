// Package types holds the shared, SDK-style data model for the agent
// orchestration core: workspaces, sessions, events, blobs, runs, and the
// token accounting record. Nothing in this package talks to storage,
// providers, or the network — it is pure vocabulary.
package types

import "time"

// Workspace is a rooted directory the agent operates against. A workspace
// is created on first use and never deleted.
type Workspace struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SpawnType enumerates how a subagent session came to exist.
type SpawnType string

const (
	SpawnTypeTask       SpawnType = "task"
	SpawnTypeSummarizer SpawnType = "summarizer"
	SpawnTypeBackground SpawnType = "background"
)

// Session is a conversation thread within a workspace. It owns its event
// chain exclusively; the chain itself lives in the event store.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceID"`

	HeadEventID string `json:"headEventID,omitempty"`
	RootEventID string `json:"rootEventID,omitempty"`

	// ParentSessionID and ForkFromEventID are set when this session is a
	// fork of another session's history.
	ParentSessionID *string `json:"parentSessionID,omitempty"`
	ForkFromEventID *string `json:"forkFromEventID,omitempty"`

	// SpawningSessionID, SpawnType and SpawnTask are set when this session
	// is a subagent spawned by a tool call in another session. Spawn
	// ordering never implies lifetime nesting: the parent may finish
	// before a non-blocking child's result is reaped.
	SpawningSessionID *string    `json:"spawningSessionID,omitempty"`
	Spawn             *SpawnType `json:"spawnType,omitempty"`
	SpawnTask         string     `json:"spawnTask,omitempty"`

	Model            string `json:"model,omitempty"`
	WorkingDirectory string `json:"workingDirectory"`

	ArchivedAt *time.Time `json:"archivedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Counters SessionCounters `json:"counters"`
}

// SessionCounters are the aggregate counters maintained transactionally by
// the event store alongside every append.
type SessionCounters struct {
	EventCount         int64   `json:"eventCount"`
	MessageCount       int64   `json:"messageCount"`
	TurnCount          int64   `json:"turnCount"`
	CumulativeTokens   int64   `json:"cumulativeTokens"`
	LastTurnTokens     int64   `json:"lastTurnTokens"`
	CacheReadTokens    int64   `json:"cacheReadTokens"`
	CacheCreateTokens  int64   `json:"cacheCreationTokens"`
	CostUSD            float64 `json:"costUsd"`
}

// IsSubagent reports whether this session was spawned by another session.
func (s *Session) IsSubagent() bool {
	return s.SpawningSessionID != nil
}

// IsFork reports whether this session's root is a fork point of another
// session's chain.
func (s *Session) IsFork() bool {
	return s.ParentSessionID != nil
}

// IsArchived reports whether the session has been soft-deleted.
func (s *Session) IsArchived() bool {
	return s.ArchivedAt != nil
}
