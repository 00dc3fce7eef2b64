package types

import "encoding/json"

// EventType is the closed vocabulary of state transitions a session's
// event chain can record. Every externally visible effect of the
// orchestration core becomes exactly one of these.
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventSessionEnded    EventType = "session.ended"
	EventSessionForked   EventType = "session.forked"

	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"
	EventMessageDeleted   EventType = "message.deleted"

	EventToolCall   EventType = "tool.call"
	EventToolResult EventType = "tool.result"

	EventStreamTurnStart     EventType = "stream.turn_start"
	EventStreamTurnEnd       EventType = "stream.turn_end"
	EventStreamTextDelta     EventType = "stream.text_delta"
	EventStreamThinkingDelta EventType = "stream.thinking_delta"

	EventCompactBoundary EventType = "compact.boundary"
	EventCompactSummary  EventType = "compact.summary"
	EventContextCleared  EventType = "context.cleared"

	EventConfigModelSwitch     EventType = "config.model_switch"
	EventConfigPromptUpdate    EventType = "config.prompt_update"
	EventConfigReasoningLevel  EventType = "config.reasoning_level"

	EventMetadataUpdate EventType = "metadata.update"
	EventMetadataTag    EventType = "metadata.tag"

	EventSubagentSpawned      EventType = "subagent.spawned"
	EventSubagentStatusUpdate EventType = "subagent.status_update"
	EventSubagentCompleted    EventType = "subagent.completed"
	EventSubagentFailed       EventType = "subagent.failed"

	EventHookTriggered           EventType = "hook.triggered"
	EventHookCompleted           EventType = "hook.completed"
	EventHookBackgroundStarted   EventType = "hook.background_started"
	EventHookBackgroundCompleted EventType = "hook.background_completed"

	EventErrorAgent    EventType = "error.agent"
	EventErrorTool     EventType = "error.tool"
	EventErrorProvider EventType = "error.provider"

	EventTurnFailed EventType = "turn.failed"

	EventNotificationInterrupted EventType = "notification.interrupted"

	EventMemoryLedger EventType = "memory.ledger"
)

// Event is the atomic, immutable unit of session history.
type Event struct {
	ID       string    `json:"id"`
	SessionID string   `json:"sessionID"`
	ParentID *string   `json:"parentID,omitempty"`
	Sequence int64     `json:"sequence"`
	Depth    int64     `json:"depth"`
	Type     EventType `json:"type"`

	TimestampMillis int64 `json:"timestamp"`

	Payload       json.RawMessage `json:"payload"`
	ContentBlobID *string         `json:"contentBlobID,omitempty"`

	WorkspaceID string `json:"workspaceID"`

	Role       string  `json:"role,omitempty"`
	ToolName   string  `json:"toolName,omitempty"`
	ToolCallID string  `json:"toolCallID,omitempty"`
	Turn       int     `json:"turn,omitempty"`

	InputTokens        int `json:"inputTokens,omitempty"`
	OutputTokens       int `json:"outputTokens,omitempty"`
	CacheReadTokens    int `json:"cacheReadTokens,omitempty"`
	CacheCreateTokens  int `json:"cacheCreationTokens,omitempty"`

	Checksum string `json:"checksum,omitempty"`
}

// EventInput is the caller-supplied shape for append(); id, sequence, and
// timestamp are assigned by the store.
type EventInput struct {
	SessionID string    `json:"sessionID"`
	ParentID  *string   `json:"parentID,omitempty"`
	Type      EventType `json:"type"`

	// ExpectedParentID, if set, must equal the session's current head for
	// the append to succeed; otherwise STORE_CONFLICT is returned. This is
	// the optimistic-concurrency guard from spec §4.1.
	ExpectedParentID *string `json:"-"`

	WorkspaceID string `json:"workspaceID"`
	Payload     any    `json:"payload"`

	Role       string `json:"role,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallID,omitempty"`
	Turn       int    `json:"turn,omitempty"`

	InputTokens       int `json:"inputTokens,omitempty"`
	OutputTokens      int `json:"outputTokens,omitempty"`
	CacheReadTokens   int `json:"cacheReadTokens,omitempty"`
	CacheCreateTokens int `json:"cacheCreationTokens,omitempty"`
}

// EventQuery filters getEventsBySession.
type EventQuery struct {
	AfterSequence int64
	Limit         int
	Types         []EventType
}
