package types

import "encoding/json"

// StopReason is the closed set a provider's native finish reason is
// normalized into.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopSequence     StopReason = "stop_sequence"
	StopInterrupted  StopReason = "interrupted"
)

// NormalizeStopReason maps a provider-native finish reason string onto the
// closed StopReason set. content_filter / SAFETY / anything unrecognized
// normalizes to StopEndTurn per spec §4.4.
func NormalizeStopReason(native string) StopReason {
	switch native {
	case "end_turn", "stop":
		return StopEndTurn
	case "max_tokens", "length":
		return StopMaxTokens
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "stop_sequence":
		return StopSequence
	case "interrupted", "cancelled", "canceled":
		return StopInterrupted
	default:
		return StopEndTurn
	}
}

// StreamEventKind tags the variant of a StreamEvent.
type StreamEventKind string

const (
	StreamStart          StreamEventKind = "start"
	StreamTextStart      StreamEventKind = "text_start"
	StreamTextDelta      StreamEventKind = "text_delta"
	StreamTextEnd        StreamEventKind = "text_end"
	StreamThinkingStart  StreamEventKind = "thinking_start"
	StreamThinkingDelta  StreamEventKind = "thinking_delta"
	StreamThinkingEnd    StreamEventKind = "thinking_end"
	StreamToolCallStart  StreamEventKind = "toolcall_start"
	StreamToolCallDelta  StreamEventKind = "toolcall_delta"
	StreamToolCallEnd    StreamEventKind = "toolcall_end"
	StreamDone           StreamEventKind = "done"
	StreamError          StreamEventKind = "error"
	StreamRetry          StreamEventKind = "retry"
)

// StreamEvent is the tagged variant emitted by a Provider Stream Adapter.
// Exactly one of the payload fields is meaningful for a given Kind; the
// rest are zero. This mirrors a sum type in a language that lacks one.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	TextDelta string `json:"textDelta,omitempty"`
	TextFinal string `json:"textFinal,omitempty"`

	ThinkingDelta    string  `json:"thinkingDelta,omitempty"`
	ThinkingFinal    string  `json:"thinkingFinal,omitempty"`
	ThinkingSignature *string `json:"thinkingSignature,omitempty"`

	ToolCallID            string          `json:"toolCallID,omitempty"`
	ToolCallName          string          `json:"toolCallName,omitempty"`
	ToolCallArgumentsDelta string         `json:"toolCallArgumentsDelta,omitempty"`
	ToolCall               *ToolUseBlock  `json:"toolCall,omitempty"`

	DoneMessage *AssistantMessage `json:"doneMessage,omitempty"`
	StopReason  StopReason        `json:"stopReason,omitempty"`

	Err error `json:"-"`

	RetryAttempt    int `json:"retryAttempt,omitempty"`
	RetryMaxRetries int `json:"retryMaxRetries,omitempty"`
	RetryDelayMs    int `json:"retryDelayMs,omitempty"`
}

// AssistantMessage is the fully-assembled assistant turn a "done" event
// carries: every content block the stream produced, plus raw usage.
type AssistantMessage struct {
	Blocks []ContentBlock  `json:"blocks"`
	Usage  ProviderUsage   `json:"usage"`
}

// MarshalJSON encodes Blocks with their type discriminator.
func (a AssistantMessage) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(a.Blocks))
	for _, b := range a.Blocks {
		r, err := MarshalContentBlock(b)
		if err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	return json.Marshal(struct {
		Blocks []json.RawMessage `json:"blocks"`
		Usage  ProviderUsage     `json:"usage"`
	}{raws, a.Usage})
}

// ProviderUsage is the provider's raw, pre-normalization token report for
// a single response; internal/tokens.Normalize turns this into a
// TokenRecord.
type ProviderUsage struct {
	InputTokens        int `json:"inputTokens"`
	OutputTokens       int `json:"outputTokens"`
	CacheReadTokens    int `json:"cacheReadTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens"`
}

