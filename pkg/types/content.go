package types

import "encoding/json"

// ContentBlock is a structured piece of message content. Event payloads
// for message.* events carry a slice of these; the context compositor
// (internal/composer) replays them verbatim into provider-neutral
// messages.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() string { return "text" }

// ThinkingBlock is extended-reasoning content, optionally signed by the
// provider for later verification.
type ThinkingBlock struct {
	Text      string  `json:"text"`
	Signature *string `json:"signature,omitempty"`
}

func (ThinkingBlock) BlockType() string { return "thinking" }

// ToolUseBlock is an assistant-emitted tool invocation.
type ToolUseBlock struct {
	ToolCallID string          `json:"toolCallID"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
}

func (ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock is the result of executing a ToolUseBlock, attached to
// the following user-role message.
type ToolResultBlock struct {
	ToolCallID string `json:"toolCallID"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

func (ToolResultBlock) BlockType() string { return "tool_result" }

// ImageBlock is inline image content.
type ImageBlock struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64 or URL, provider-neutral
}

func (ImageBlock) BlockType() string { return "image" }

// rawBlock is the wire shape used to discriminate ContentBlock during
// unmarshal.
type rawBlock struct {
	Type string `json:"type"`
}

// MarshalContentBlock wraps a ContentBlock with its discriminator so it
// round-trips through UnmarshalContentBlock.
func MarshalContentBlock(b ContentBlock) (json.RawMessage, error) {
	inner, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(inner, &m); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(b.BlockType())
	m["type"] = typeJSON
	return json.Marshal(m)
}

// UnmarshalContentBlock reads a tagged content block back into its
// concrete type.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var raw rawBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Type {
	case "text":
		var b TextBlock
		return b, json.Unmarshal(data, &b)
	case "thinking":
		var b ThinkingBlock
		return b, json.Unmarshal(data, &b)
	case "tool_use":
		var b ToolUseBlock
		return b, json.Unmarshal(data, &b)
	case "tool_result":
		var b ToolResultBlock
		return b, json.Unmarshal(data, &b)
	case "image":
		var b ImageBlock
		return b, json.Unmarshal(data, &b)
	default:
		var b TextBlock
		return b, json.Unmarshal(data, &b)
	}
}

// MessagePayload is the event payload for message.user / message.assistant
// / message.system events.
type MessagePayload struct {
	Blocks      []ContentBlock `json:"-"`
	StopReason  string         `json:"stopReason,omitempty"`
	Interrupted bool           `json:"interrupted,omitempty"`
}

// MarshalJSON encodes the tagged blocks.
func (m MessagePayload) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		r, err := MarshalContentBlock(b)
		if err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	type alias struct {
		Blocks      []json.RawMessage `json:"blocks"`
		StopReason  string            `json:"stopReason,omitempty"`
		Interrupted bool              `json:"interrupted,omitempty"`
	}
	return json.Marshal(alias{Blocks: raws, StopReason: m.StopReason, Interrupted: m.Interrupted})
}

// UnmarshalJSON decodes the tagged blocks.
func (m *MessagePayload) UnmarshalJSON(data []byte) error {
	type alias struct {
		Blocks      []json.RawMessage `json:"blocks"`
		StopReason  string            `json:"stopReason,omitempty"`
		Interrupted bool              `json:"interrupted,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	m.StopReason = a.StopReason
	m.Interrupted = a.Interrupted
	m.Blocks = make([]ContentBlock, 0, len(a.Blocks))
	for _, r := range a.Blocks {
		b, err := UnmarshalContentBlock(r)
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, b)
	}
	return nil
}

// DeletedPayload is the event payload for message.deleted tombstones.
type DeletedPayload struct {
	TargetEventID string `json:"targetEventID"`
	Reason        string `json:"reason,omitempty"`
}

// CompactBoundaryPayload is the payload for compact.boundary events.
type CompactBoundaryPayload struct {
	TokensBefore int `json:"tokensBefore"`
	TokensAfter  int `json:"tokensAfter"`
}

// CompactSummaryPayload is the payload for compact.summary events.
type CompactSummaryPayload struct {
	Text string `json:"text"`
}

// ContextClearedPayload is the payload for context.cleared events.
type ContextClearedPayload struct {
	TokensBefore int    `json:"tokensBefore"`
	TokensAfter  int    `json:"tokensAfter"`
	Reason       string `json:"reason"`
}

// NotificationInterruptedPayload is the payload for notification.interrupted.
type NotificationInterruptedPayload struct {
	Turn int `json:"turn"`
}

// TurnFailedPayload is the payload for turn.failed.
type TurnFailedPayload struct {
	Reason string `json:"reason"`
}

// SubagentSpawnedPayload is the payload for subagent.spawned, appended to
// the parent session's chain when a Task tool call creates a child
// session.
type SubagentSpawnedPayload struct {
	ChildSessionID string `json:"childSessionID"`
	AgentName      string `json:"agentName"`
	Task           string `json:"task"`
	Blocking       bool   `json:"blocking"`
}

// SubagentStatusUpdatePayload is the payload for subagent.status_update,
// appended to the parent session's chain as a non-blocking child makes
// progress.
type SubagentStatusUpdatePayload struct {
	ChildSessionID string `json:"childSessionID"`
	Status         string `json:"status"`
	Detail         string `json:"detail,omitempty"`
}

// SubagentCompletedPayload is the payload for subagent.completed.
type SubagentCompletedPayload struct {
	ChildSessionID string `json:"childSessionID"`
	Output         string `json:"output"`
}

// SubagentFailedPayload is the payload for subagent.failed.
type SubagentFailedPayload struct {
	ChildSessionID string `json:"childSessionID"`
	Reason         string `json:"reason"`
}

// SessionStartedPayload is the payload for session.started, the first
// event on every new session's chain.
type SessionStartedPayload struct {
	Model            string `json:"model"`
	WorkingDirectory string `json:"workingDirectory"`
}

// SessionEndedPayload is the payload for session.ended, appended before
// a session is archived.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

// SessionForkedPayload is the payload for session.forked, the first
// event on a forked session's own chain recording where it branched
// from.
type SessionForkedPayload struct {
	ParentSessionID string `json:"parentSessionID"`
	ForkFromEventID string `json:"forkFromEventID"`
}

// PlanEnteredPayload is a metadata.update payload recording a session's
// entry into plan mode (Kind distinguishes it from other metadata.update
// uses on replay).
type PlanEnteredPayload struct {
	Kind         string   `json:"kind"`
	SkillName    string   `json:"skillName"`
	BlockedTools []string `json:"blockedTools,omitempty"`
}

// PlanExitedPayload is a metadata.update payload recording a session's
// exit from plan mode.
type PlanExitedPayload struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	PlanPath string `json:"planPath,omitempty"`
}
