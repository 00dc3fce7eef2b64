// Package composer implements the Context Compositor (C3): replaying a
// session's event chain into a provider-neutral message list, applying
// compaction boundaries, context-clear truncation, and cache-TTL pruning
// to the composed view without ever mutating stored events.
package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayforge/agentcore/pkg/types"
)

// eventSource is the subset of internal/store.Store the compositor needs.
// Defined here, not imported, to keep this package independent of the
// storage implementation.
type eventSource interface {
	GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error)
	GetEvent(ctx context.Context, id string) (types.Event, error)
	ResolveBlob(ctx context.Context, id string) (types.Blob, []byte, error)
}

// Config tunes the compositor's thresholds; defaults match spec §4.3.
type Config struct {
	CacheTTL                 time.Duration
	PreserveRecentTurns      int
	ToolResultPruneThreshold int
	MaxTokens                int
	CompactionThreshold      float64
	PreserveRecentCount      int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:                 5 * time.Minute,
		PreserveRecentTurns:      3,
		ToolResultPruneThreshold: 2 * 1024,
		MaxTokens:                200_000,
		CompactionThreshold:      0.75,
		PreserveRecentCount:      3,
	}
}

// Message is one provider-neutral message in the composed view.
type Message struct {
	Role   string
	Blocks []types.ContentBlock
}

// Composed is the result of composing a session: the message list the
// provider will see, plus a rough token estimate used to decide whether
// compaction is due.
type Composed struct {
	Messages         []Message
	EstimatedTokens  int
	LastProviderCall time.Time
}

// Compositor replays and composes session event chains.
type Compositor struct {
	store  eventSource
	config Config
}

// New constructs a Compositor over store with the given tunables.
func New(store eventSource, config Config) *Compositor {
	return &Compositor{store: store, config: config}
}

// Compose builds the message list the provider should see for sessionID,
// as of the session's current head.
func (c *Compositor) Compose(ctx context.Context, sessionID string) (Composed, error) {
	events, err := c.store.GetEventsBySession(ctx, sessionID, types.EventQuery{})
	if err != nil {
		return Composed{}, fmt.Errorf("composer: load events: %w", err)
	}

	events = truncateAtBoundary(events)
	deleted := deletedTargets(events)

	var messages []Message
	var lastAssistantTime time.Time
	var assistantTurnCount int

	for _, ev := range events {
		if deleted[ev.ID] {
			continue
		}
		if ev.ContentBlobID != nil {
			if _, data, err := c.store.ResolveBlob(ctx, *ev.ContentBlobID); err == nil {
				ev.Payload = data
			}
		}
		switch ev.Type {
		case types.EventCompactSummary:
			var p types.CompactSummaryPayload
			if err := decodePayload(ev, &p); err == nil {
				messages = append(messages,
					Message{Role: "user", Blocks: []types.ContentBlock{types.TextBlock{Text: "[earlier conversation summary]"}}},
					Message{Role: "assistant", Blocks: []types.ContentBlock{types.TextBlock{Text: p.Text}}},
				)
			}
		case types.EventMessageUser, types.EventMessageAssistant, types.EventMessageSystem:
			var p types.MessagePayload
			if err := decodePayload(ev, &p); err != nil {
				continue
			}
			role := "user"
			if ev.Type == types.EventMessageAssistant {
				role = "assistant"
				assistantTurnCount++
				lastAssistantTime = time.UnixMilli(ev.TimestampMillis)
			} else if ev.Type == types.EventMessageSystem {
				role = "system"
			}
			messages = append(messages, Message{Role: role, Blocks: p.Blocks})
		}
	}

	pruneToolResults(messages, assistantTurnCount, c.config.PreserveRecentTurns, c.config.ToolResultPruneThreshold, lastAssistantTime, c.config.CacheTTL)

	return Composed{
		Messages:         messages,
		EstimatedTokens:  estimateTokens(messages),
		LastProviderCall: lastAssistantTime,
	}, nil
}

// NeedsCompaction reports whether estimated usage has crossed the
// configured compaction threshold.
func (c *Compositor) NeedsCompaction(composed Composed) bool {
	return float64(composed.EstimatedTokens) > float64(c.config.MaxTokens)*c.config.CompactionThreshold
}

func decodePayload(ev types.Event, out any) error {
	switch v := out.(type) {
	case *types.MessagePayload:
		return v.UnmarshalJSON(ev.Payload)
	default:
		return json.Unmarshal(ev.Payload, v)
	}
}

func deletedTargets(events []types.Event) map[string]bool {
	out := map[string]bool{}
	for _, ev := range events {
		if ev.Type != types.EventMessageDeleted {
			continue
		}
		var p types.DeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			out[p.TargetEventID] = true
		}
	}
	return out
}

// truncateAtBoundary drops every event before the most recent
// compact.boundary or context.cleared marker, whichever is later.
func truncateAtBoundary(events []types.Event) []types.Event {
	cut := -1
	for i, ev := range events {
		if ev.Type == types.EventCompactBoundary || ev.Type == types.EventContextCleared {
			cut = i
		}
	}
	if cut < 0 {
		return events
	}
	return events[cut:]
}

// pruneToolResults replaces oversized tool_result content in all but the
// most recent preserveRecentTurns assistant turns, when the wall-clock
// gap since the last provider call exceeds ttl. This mutates only the
// in-memory composed Message slice, never stored events.
func pruneToolResults(messages []Message, assistantTurns, preserveRecentTurns, threshold int, lastCall time.Time, ttl time.Duration) {
	if assistantTurns <= preserveRecentTurns {
		return
	}
	if lastCall.IsZero() || time.Since(lastCall) <= ttl {
		return
	}

	seenAssistantTurns := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			seenAssistantTurns++
		}
		if seenAssistantTurns <= preserveRecentTurns {
			continue
		}
		for bi, b := range messages[i].Blocks {
			rb, ok := b.(types.ToolResultBlock)
			if !ok || len(rb.Content) <= threshold {
				continue
			}
			rb.Content = fmt.Sprintf("[pruned: %d bytes omitted to save context]", len(rb.Content))
			messages[i].Blocks[bi] = rb
		}
	}
}

// estimateTokens is a rough, provider-agnostic character-count heuristic;
// the authoritative figure comes from the provider's own usage report via
// internal/tokens once a turn completes.
func estimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case types.TextBlock:
				chars += len(v.Text)
			case types.ThinkingBlock:
				chars += len(v.Text)
			case types.ToolResultBlock:
				chars += len(v.Content)
			case types.ToolUseBlock:
				chars += len(v.Input)
			}
		}
	}
	return chars / 4
}
