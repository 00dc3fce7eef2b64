package composer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/relayforge/agentcore/pkg/types"
)

// appender is the subset of internal/store.Store the compactor needs to
// emit compact.boundary and compact.summary events.
type appender interface {
	Append(ctx context.Context, in types.EventInput) (types.Event, error)
}

// Compact runs the deterministic compaction procedure for sessionID: it
// keeps the most recent PreserveRecentCount turns (user+assistant pairs)
// verbatim, digests everything before them into a single compact.summary
// event, and marks the cut with a compact.boundary event. Unlike an
// LLM-based summarizer, this never issues a provider call, so it can run
// safely inside the core's own append path.
func (c *Compositor) Compact(ctx context.Context, store appender, sessionID string, composed Composed) (types.Event, types.Event, error) {
	cut := len(composed.Messages) - c.config.PreserveRecentCount*2
	if cut < 0 {
		cut = 0
	}
	toSummarize := composed.Messages[:cut]
	kept := composed.Messages[cut:]

	digest := digestMessages(toSummarize)

	tokensBefore := composed.EstimatedTokens
	tokensAfter := estimateTokens(kept) + estimateTokens([]Message{{Role: "assistant", Blocks: []types.ContentBlock{types.TextBlock{Text: digest}}}})

	boundaryEvt, err := store.Append(ctx, types.EventInput{
		SessionID: sessionID,
		Type:      types.EventCompactBoundary,
		Payload:   types.CompactBoundaryPayload{TokensBefore: tokensBefore, TokensAfter: tokensAfter},
	})
	if err != nil {
		return types.Event{}, types.Event{}, fmt.Errorf("composer: append compact.boundary: %w", err)
	}

	boundaryID := boundaryEvt.ID
	summaryEvt, err := store.Append(ctx, types.EventInput{
		SessionID:        sessionID,
		Type:             types.EventCompactSummary,
		ExpectedParentID: &boundaryID,
		Payload:          types.CompactSummaryPayload{Text: digest},
	})
	if err != nil {
		return types.Event{}, types.Event{}, fmt.Errorf("composer: append compact.summary: %w", err)
	}

	return boundaryEvt, summaryEvt, nil
}

// ContextClear appends a context.cleared event, truncating the compositor's
// view at this point without retaining any summary. This is the simpler,
// user-initiated counterpart to compaction.
func (c *Compositor) ContextClear(ctx context.Context, store appender, sessionID string, composed Composed, reason string) (types.Event, error) {
	evt, err := store.Append(ctx, types.EventInput{
		SessionID: sessionID,
		Type:      types.EventContextCleared,
		Payload: types.ContextClearedPayload{
			TokensBefore: composed.EstimatedTokens,
			TokensAfter:  0,
			Reason:       reason,
		},
	})
	if err != nil {
		return types.Event{}, fmt.Errorf("composer: append context.cleared: %w", err)
	}
	return evt, nil
}

var sentenceBoundary = regexp.MustCompile(`[.!?](\s|$)`)

// digestMessages builds a deterministic, non-LLM summary of a message
// span: the distinct tool names invoked, and the first sentence of every
// user message, in order. This intentionally trades fidelity for the
// ability to run inline during the append path with no provider round
// trip.
func digestMessages(messages []Message) string {
	if len(messages) == 0 {
		return "no prior activity"
	}

	var tools []string
	seenTool := map[string]bool{}
	var topics []string

	for _, m := range messages {
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case types.ToolUseBlock:
				if !seenTool[v.ToolName] {
					seenTool[v.ToolName] = true
					tools = append(tools, v.ToolName)
				}
			case types.TextBlock:
				if m.Role != "user" {
					continue
				}
				if s := firstSentence(v.Text); s != "" {
					topics = append(topics, s)
				}
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Earlier conversation (%d messages) covered: ", len(messages)))
	if len(topics) > 0 {
		sb.WriteString(strings.Join(topics, "; "))
	} else {
		sb.WriteString("no distinct user requests")
	}
	if len(tools) > 0 {
		sb.WriteString(". Tools used: ")
		sb.WriteString(strings.Join(tools, ", "))
	}
	sb.WriteString(".")
	return sb.String()
}

// firstSentence returns the leading sentence of text, trimmed, capped to
// a reasonable digest length.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	loc := sentenceBoundary.FindStringIndex(text)
	var s string
	if loc == nil {
		s = text
	} else {
		s = text[:loc[0]+1]
	}
	const maxLen = 160
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
