// Package turn implements the Turn Orchestrator (C5): the state machine
// that drives one run of a session from composed context through a
// provider stream, tool execution, and durable persistence, looping
// internally until the model stops asking for tools or a limit is hit.
//
// The Turn Orchestrator is the only component allowed to append
// tool.call and tool.result events (spec §4.5): every other writer of
// session history goes through the Session Manager or the event store
// directly.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/logging"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/stream"
	"github.com/relayforge/agentcore/internal/tokens"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// State names the turn's current phase, per spec §4.5.
type State string

const (
	StateComposing      State = "composing"
	StateStreaming      State = "streaming"
	StateExecutingTools State = "executing_tools"
	StatePersisting     State = "persisting"
	StateDeciding       State = "deciding"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusMaxTurns    Status = "max_turns"
	StatusFailed      Status = "failed"
)

// DefaultMaxTurns is the spec's default cap for a user-initiated run.
const DefaultMaxTurns = 50

// eventStore is the subset of internal/store.Store the orchestrator
// appends through. Defined locally to keep this package independent of
// the storage implementation, matching internal/composer's eventSource.
type eventStore interface {
	Append(ctx context.Context, in types.EventInput) (types.Event, error)
	GetSession(ctx context.Context, id string) (types.Session, error)
}

// Request is everything one run needs beyond the session's own history.
type Request struct {
	SessionID   string
	WorkspaceID string

	// UserPrompt, if non-empty, is appended as message.user before the
	// first turn. A nil/empty prompt resumes an interrupted or
	// tool-pending run without adding new user input.
	UserPrompt []types.ContentBlock

	Model       string
	MaxTokens   int
	Temperature float64
	CalcMethod  types.TokenCalcMethod

	ToolDenials types.ToolDenialConfig

	// MaxTurns overrides DefaultMaxTurns; callers spawning subagents pass
	// their own cap per spec §4.5.
	MaxTurns int

	// StartTurn is the run's first turn number, counted from 1; non-zero
	// lets a caller resume turn numbering across multiple runTurn calls
	// in the same logical run (e.g. after a tool-validation retry).
	StartTurn int

	// Agent names the persona/subagent role for tool Context, empty for
	// the primary agent.
	Agent string
}

// Result is the run's terminal summary.
type Result struct {
	Status        Status
	TurnsRun      int
	FailureReason string
}

// Orchestrator drives runs for sessions, wiring the Context Compositor
// (C3), a Provider Stream Adapter (C4), and the Tool Dispatcher (C6)
// around the event store and fan-out bus.
type Orchestrator struct {
	store      eventStore
	compositor *composer.Compositor
	dispatcher *tool.Dispatcher
	registry   *tool.Registry
	bus        *bus.Bus
}

// New constructs an Orchestrator. registry supplies the tool definitions
// offered to the model and the dispatcher executes them; both are
// typically the same registry the session's Dispatcher was built over.
func New(store eventStore, compositor *composer.Compositor, dispatcher *tool.Dispatcher, registry *tool.Registry, b *bus.Bus) *Orchestrator {
	return &Orchestrator{store: store, compositor: compositor, dispatcher: dispatcher, registry: registry, bus: b}
}

// Run drives a session's turns to completion against adapter, which wraps
// the already-resolved provider for req.Model. The caller owns the
// adapter's lifetime so that its tool-call-id remapper stays stable
// across turns within a session (per internal/stream's session-local
// remapping contract).
//
// Run returns when the model stops requesting tools, the turn cap is
// exceeded, ctx is canceled (interruption), or an unrecoverable error
// occurs.
func (o *Orchestrator) Run(ctx context.Context, adapter *stream.Adapter, req Request) (Result, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	session, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Result{}, fmt.Errorf("turn: load session: %w", err)
	}
	parentID := nullableHead(session.HeadEventID)

	if len(req.UserPrompt) > 0 {
		ev, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:    types.EventMessageUser,
			Role:    "user",
			Payload: types.MessagePayload{Blocks: req.UserPrompt},
		})
		if err != nil {
			return Result{}, fmt.Errorf("turn: append user message: %w", err)
		}
		parentID = &ev.ID
	}

	turnNumber := req.StartTurn
	if turnNumber <= 0 {
		turnNumber = 1
	}
	tokenBaseline := int(session.Counters.CumulativeTokens)

	for turnsRun := 0; ; turnsRun++ {
		if turnsRun >= maxTurns {
			if _, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
				Type:    types.EventTurnFailed,
				Turn:    turnNumber,
				Payload: types.TurnFailedPayload{Reason: "max_turns"},
			}); err != nil {
				logging.Logger.Error().Err(err).Str("sessionID", req.SessionID).Msg("append turn.failed")
			}
			return Result{Status: StatusMaxTurns, TurnsRun: turnsRun, FailureReason: "max_turns"}, nil
		}

		outcome, nextParent, err := o.runOneTurn(ctx, adapter, req, turnNumber, parentID)
		parentID = nextParent
		if err != nil {
			return Result{Status: StatusFailed, TurnsRun: turnsRun + 1, FailureReason: err.Error()}, nil
		}
		if outcome.usage != (types.ProviderUsage{}) {
			rec := tokens.Normalize(req.CalcMethod, outcome.usage, tokenBaseline, turnNumber, req.SessionID, time.Now())
			tokenBaseline = rec.Computed().ContextWindowTokens
		}

		switch outcome.kind {
		case outcomeInterrupted:
			return Result{Status: StatusInterrupted, TurnsRun: turnsRun + 1}, nil
		case outcomeStop:
			return Result{Status: StatusCompleted, TurnsRun: turnsRun + 1}, nil
		case outcomeContinue:
			turnNumber++
			continue
		}
	}
}

type outcomeKind int

const (
	outcomeStop outcomeKind = iota
	outcomeContinue
	outcomeInterrupted
)

type turnOutcome struct {
	kind  outcomeKind
	usage types.ProviderUsage
}

// runOneTurn drives exactly one COMPOSING→STREAMING→EXECUTING_TOOLS→
// PERSISTING→DECIDING cycle and returns the new head event id.
func (o *Orchestrator) runOneTurn(ctx context.Context, adapter *stream.Adapter, req Request, turnNumber int, parentID *string) (turnOutcome, *string, error) {
	// COMPOSING
	composed, err := o.compositor.Compose(ctx, req.SessionID)
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("compose: %w", err)
	}
	startEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
		Type: types.EventStreamTurnStart,
		Turn: turnNumber,
	})
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("append stream.turn_start: %w", err)
	}
	parentID = &startEv.ID

	streamReq := stream.Request{
		Model:       req.Model,
		Messages:    toCompositorMessages(composed.Messages),
		Tools:       o.toolInfos(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	// STREAMING
	var blocks []types.ContentBlock
	var usage types.ProviderUsage
	var stopReason types.StopReason
	var streamErr error
	interrupted := false

	for ev := range adapter.StreamTurn(ctx, streamReq) {
		o.publishStream(req.SessionID, ev)
		switch ev.Kind {
		case types.StreamDone:
			if ev.DoneMessage != nil {
				blocks = ev.DoneMessage.Blocks
				usage = ev.DoneMessage.Usage
			}
			stopReason = ev.StopReason
		case types.StreamError:
			if ctx.Err() != nil {
				interrupted = true
			} else {
				streamErr = ev.Err
			}
		}
	}

	if interrupted || ctx.Err() != nil {
		return o.persistInterruption(ctx, req, turnNumber, parentID, blocks, nil)
	}
	if streamErr != nil {
		if _, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:    types.EventErrorProvider,
			Turn:    turnNumber,
			Payload: map[string]string{"error": streamErr.Error()},
		}); err != nil {
			logging.Logger.Error().Err(err).Msg("append error.provider")
		}
		return turnOutcome{}, parentID, apierr.New(apierr.CodeProviderError, streamErr.Error())
	}

	// EXECUTING_TOOLS
	toolCalls := toolUseBlocks(blocks)
	results, stopTurn, execErr := o.executeTools(ctx, req, toolCalls)
	if execErr != nil {
		return o.persistInterruption(ctx, req, turnNumber, parentID, blocks, results)
	}

	// PERSISTING
	assistantEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
		Type: types.EventMessageAssistant,
		Role: "assistant",
		Turn: turnNumber,
		Payload: types.MessagePayload{
			Blocks:     blocks,
			StopReason: string(stopReason),
		},
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CacheReadTokens:   usage.CacheReadTokens,
		CacheCreateTokens: usage.CacheCreationTokens,
	})
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("append message.assistant: %w", err)
	}
	parentID = &assistantEv.ID

	for _, call := range toolCalls {
		callEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:       types.EventToolCall,
			Turn:       turnNumber,
			ToolName:   call.ToolName,
			ToolCallID: call.ToolCallID,
			Payload:    call,
		})
		if err != nil {
			return turnOutcome{}, parentID, fmt.Errorf("append tool.call: %w", err)
		}
		parentID = &callEv.ID

		res := results[call.ToolCallID]
		resultEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:       types.EventToolResult,
			Turn:       turnNumber,
			ToolName:   call.ToolName,
			ToolCallID: call.ToolCallID,
			Payload:    res,
		})
		if err != nil {
			return turnOutcome{}, parentID, fmt.Errorf("append tool.result: %w", err)
		}
		parentID = &resultEv.ID
	}

	// The granular tool.call/tool.result pair above is the audit trail;
	// the compositor only replays message.* events (internal/composer),
	// so the results also go out as a message.user carrying the
	// ToolResultBlocks verbatim — otherwise DECIDING's loop back to
	// COMPOSING would hand the model the same context it just acted on.
	if len(toolCalls) > 0 {
		resultBlocks := make([]types.ContentBlock, 0, len(toolCalls))
		for _, call := range toolCalls {
			resultBlocks = append(resultBlocks, results[call.ToolCallID])
		}
		resultsEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:    types.EventMessageUser,
			Role:    "user",
			Turn:    turnNumber,
			Payload: types.MessagePayload{Blocks: resultBlocks},
		})
		if err != nil {
			return turnOutcome{}, parentID, fmt.Errorf("append tool-result message.user: %w", err)
		}
		parentID = &resultsEv.ID
	}

	endEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
		Type:              types.EventStreamTurnEnd,
		Turn:              turnNumber,
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CacheReadTokens:   usage.CacheReadTokens,
		CacheCreateTokens: usage.CacheCreationTokens,
	})
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("append stream.turn_end: %w", err)
	}
	parentID = &endEv.ID

	// DECIDING
	if len(toolCalls) > 0 && stopReason == types.StopToolUse && !stopTurn {
		return turnOutcome{kind: outcomeContinue, usage: usage}, parentID, nil
	}
	return turnOutcome{kind: outcomeStop, usage: usage}, parentID, nil
}

// persistInterruption implements the interruption invariant of spec
// §4.5: whatever assistant content and tool results exist so far are
// persisted with explicit markers, and no stream.turn_end is ever
// written for this turn.
func (o *Orchestrator) persistInterruption(ctx context.Context, req Request, turnNumber int, parentID *string, blocks []types.ContentBlock, results map[string]types.ToolResultBlock) (turnOutcome, *string, error) {
	assistantEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
		Type: types.EventMessageAssistant,
		Role: "assistant",
		Turn: turnNumber,
		Payload: types.MessagePayload{
			Blocks:      blocks,
			StopReason:  string(types.StopInterrupted),
			Interrupted: true,
		},
	})
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("append interrupted message.assistant: %w", err)
	}
	parentID = &assistantEv.ID

	if len(results) > 0 {
		var resultBlocks []types.ContentBlock
		for _, r := range results {
			resultBlocks = append(resultBlocks, r)
		}
		userEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
			Type:    types.EventMessageUser,
			Role:    "user",
			Turn:    turnNumber,
			Payload: types.MessagePayload{Blocks: resultBlocks},
		})
		if err != nil {
			return turnOutcome{}, parentID, fmt.Errorf("append interrupted tool results: %w", err)
		}
		parentID = &userEv.ID
	}

	notifyEv, err := o.append(ctx, req.SessionID, req.WorkspaceID, parentID, types.EventInput{
		Type:    types.EventNotificationInterrupted,
		Turn:    max(turnNumber, 1),
		Payload: types.NotificationInterruptedPayload{Turn: max(turnNumber, 1)},
	})
	if err != nil {
		return turnOutcome{}, parentID, fmt.Errorf("append notification.interrupted: %w", err)
	}
	parentID = &notifyEv.ID

	o.bus.Publish(bus.Envelope{Type: string(types.EventNotificationInterrupted), SessionID: req.SessionID})
	return turnOutcome{kind: outcomeInterrupted}, parentID, nil
}

// append is a thin wrapper that fills SessionID/WorkspaceID/ExpectedParentID
// and publishes the persisted event to the fan-out bus, per spec §4.9:
// "persisted events are published after their transaction commits".
func (o *Orchestrator) append(ctx context.Context, sessionID, workspaceID string, parentID *string, in types.EventInput) (types.Event, error) {
	in.SessionID = sessionID
	in.WorkspaceID = workspaceID
	in.ParentID = parentID
	in.ExpectedParentID = parentID
	ev, err := o.store.Append(ctx, in)
	if err != nil {
		return types.Event{}, err
	}
	o.bus.Publish(bus.Envelope{
		Type:      string(ev.Type),
		SessionID: sessionID,
		Sequence:  ev.Sequence,
		Data:      ev,
	})
	return ev, nil
}

func nullableHead(head string) *string {
	if head == "" {
		return nil
	}
	return &head
}

func toCompositorMessages(messages []composer.Message) []provider.CompositorMessage {
	out := make([]provider.CompositorMessage, len(messages))
	for i, m := range messages {
		out[i] = provider.CompositorMessage{Role: m.Role, Blocks: m.Blocks}
	}
	return out
}

func toolUseBlocks(blocks []types.ContentBlock) []types.ToolUseBlock {
	var out []types.ToolUseBlock
	for _, b := range blocks {
		if tu, ok := b.(types.ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

func (o *Orchestrator) toolInfos() []provider.ToolInfo {
	if o.registry == nil {
		return nil
	}
	ids := o.registry.IDs()
	out := make([]provider.ToolInfo, 0, len(ids))
	for _, id := range ids {
		t, ok := o.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, provider.ToolInfo{Name: t.ID(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

func (o *Orchestrator) publishStream(sessionID string, ev types.StreamEvent) {
	o.bus.Publish(bus.Envelope{
		Type:      "stream." + string(ev.Kind),
		SessionID: sessionID,
		Data:      ev,
	})
}

