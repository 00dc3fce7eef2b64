// Package subagent implements the Subagent Coordinator (C7): spawning
// child sessions that run their own turn loop through the Turn
// Orchestrator, tracking their lifecycle, and delivering results back to
// the spawning session either synchronously (blocking mode) or via a
// fan-out bus notification (non-blocking mode), per spec §4.7.
package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/agentcore/internal/agent"
	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/logging"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/stream"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/internal/turn"
	"github.com/relayforge/agentcore/pkg/types"
)

// eventStore is the subset of internal/store.Store the coordinator needs:
// session lifecycle plus everything internal/turn and internal/composer
// need to drive and replay a child's run. Defined locally, as those
// packages do, to stay independent of the storage implementation.
type eventStore interface {
	CreateSession(ctx context.Context, in types.Session) (types.Session, error)
	GetSession(ctx context.Context, id string) (types.Session, error)
	Append(ctx context.Context, in types.EventInput) (types.Event, error)
	GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error)
	GetEvent(ctx context.Context, id string) (types.Event, error)
	ResolveBlob(ctx context.Context, id string) (types.Blob, []byte, error)
}

// Config tunes coordinator-wide defaults.
type Config struct {
	// DefaultTimeout bounds a blocking spawn's wait when the caller does
	// not supply one; the child keeps running past it (spec §4.7).
	DefaultTimeout time.Duration
	// DefaultMaxTurns bounds a child's own turn loop when the caller does
	// not supply one.
	DefaultMaxTurns int
}

// DefaultConfig matches spec §4.7's stated behavior: a generous but
// bounded wait, and the same turn cap an ordinary run gets.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  2 * time.Minute,
		DefaultMaxTurns: turn.DefaultMaxTurns,
	}
}

// SpawnParams describes one subagent spawn request.
type SpawnParams struct {
	Task             string
	AgentName        string
	Model            string // "provider/model"; empty uses the coordinator default
	ToolDenials      types.ToolDenialConfig
	WorkingDirectory string
	MaxTurns         int
	Blocking         bool
	Timeout          time.Duration
}

// SpawnResult is what Spawn hands back immediately. Output/TurnsRun are
// only populated once the child has reached a terminal state — always
// true for a successful blocking spawn, never for a non-blocking one.
type SpawnResult struct {
	ChildSessionID string
	Output         string
	TurnsRun       int
	TimedOut       bool
	Err            error
}

// Coordinator is the Subagent Coordinator. One Coordinator typically
// backs an entire process: registry and dispatcher are shared with the
// primary session's tool execution, since tool availability is scoped by
// denial config per call, not by a per-session registry.
type Coordinator struct {
	store      eventStore
	bus        *bus.Bus
	providers  *provider.Registry
	registry   *tool.Registry
	dispatcher *tool.Dispatcher
	agents     *agent.Registry
	tracker    *Tracker

	defaultProviderID string
	defaultModelID    string
	cfg               Config
}

// New constructs a Coordinator.
func New(store eventStore, b *bus.Bus, providers *provider.Registry, registry *tool.Registry, dispatcher *tool.Dispatcher, agents *agent.Registry, defaultProviderID, defaultModelID string, cfg Config) *Coordinator {
	return &Coordinator{
		store:             store,
		bus:               b,
		providers:         providers,
		registry:          registry,
		dispatcher:        dispatcher,
		agents:            agents,
		tracker:           NewTracker(),
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		cfg:               cfg,
	}
}

// Tracker exposes the Subagent Tracker for callers that need to poll or
// wait on a session id they already hold (e.g. from a prior non-blocking
// spawn).
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// Spawn implements spec §4.7's spawn(parentSessionId, params) exactly:
// create the child session, append subagent.spawned to the parent,
// register with the tracker, and start the child's run. In blocking
// mode it then waits for a terminal state or the timeout; in
// non-blocking mode it returns as soon as the child is registered.
func (c *Coordinator) Spawn(ctx context.Context, parentSessionID string, params SpawnParams) (SpawnResult, error) {
	parent, err := c.store.GetSession(ctx, parentSessionID)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("subagent: load parent session: %w", err)
	}

	providerID, modelID := c.resolveModel(params.Model)
	prov, err := c.providers.Get(providerID)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("subagent: resolve provider %s: %w", providerID, err)
	}

	workDir := params.WorkingDirectory
	if workDir == "" {
		workDir = parent.WorkingDirectory
	}
	spawnType := types.SpawnTypeTask

	child, err := c.store.CreateSession(ctx, types.Session{
		WorkspaceID:       parent.WorkspaceID,
		SpawningSessionID: &parentSessionID,
		Spawn:             &spawnType,
		SpawnTask:         params.Task,
		Model:             modelID,
		WorkingDirectory:  workDir,
	})
	if err != nil {
		return SpawnResult{}, fmt.Errorf("subagent: create child session: %w", err)
	}

	if _, err := c.appendParent(ctx, parentSessionID, parent.WorkspaceID, types.EventInput{
		Type: types.EventSubagentSpawned,
		Payload: types.SubagentSpawnedPayload{
			ChildSessionID: child.ID,
			AgentName:      params.AgentName,
			Task:           params.Task,
			Blocking:       params.Blocking,
		},
	}); err != nil {
		return SpawnResult{}, fmt.Errorf("subagent: append subagent.spawned: %w", err)
	}

	maxTurns := params.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.cfg.DefaultMaxTurns
	}

	// The child's context is deliberately independent of ctx: per spec
	// §4.7/§5, cancelling the parent turn unblocks a blocking wait but
	// does not stop the child, which keeps running until it finishes or
	// the Tracker's Cancel is invoked explicitly.
	childCtx, cancel := context.WithCancel(context.Background())
	c.tracker.register(child.ID, parentSessionID, cancel)

	go c.runChild(childCtx, child, parent, prov, modelID, maxTurns, params)

	if !params.Blocking {
		return SpawnResult{ChildSessionID: child.ID}, nil
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	snap, err := c.tracker.WaitFor(ctx, child.ID, timeout)
	if err != nil {
		return SpawnResult{ChildSessionID: child.ID, TimedOut: true, Err: err}, nil
	}
	return SpawnResult{
		ChildSessionID: child.ID,
		Output:         snap.Output,
		TurnsRun:       snap.TurnsRun,
		Err:            snap.Err,
	}, nil
}

// runChild drives the child's run to completion and records the outcome
// on the tracker and the parent's event chain. It runs in its own
// goroutine regardless of blocking/non-blocking mode — blocking mode
// only changes whether Spawn's caller waits for it.
func (c *Coordinator) runChild(ctx context.Context, child, parent types.Session, prov provider.Provider, modelID string, maxTurns int, params SpawnParams) {
	compositor := composer.New(c.store, composer.DefaultConfig())
	orch := turn.New(c.store, compositor, c.dispatcher, c.registry, c.bus)
	adapter := stream.New(prov, stream.DefaultRetryConfig())

	result, err := orch.Run(ctx, adapter, turn.Request{
		SessionID:   child.ID,
		WorkspaceID: child.WorkspaceID,
		UserPrompt:  []types.ContentBlock{types.TextBlock{Text: params.Task}},
		Model:       modelID,
		CalcMethod:  types.TokenCalcDirect,
		ToolDenials: params.ToolDenials.WithSubagentDenials(),
		MaxTurns:    maxTurns,
		Agent:       params.AgentName,
	})
	if err != nil {
		c.tracker.fail(child.ID, err)
		c.notifyParent(context.Background(), parent.ID, parent.WorkspaceID, child.ID, err)
		return
	}
	if result.Status == turn.StatusFailed {
		failErr := fmt.Errorf("%s", result.FailureReason)
		c.tracker.fail(child.ID, failErr)
		c.notifyParent(context.Background(), parent.ID, parent.WorkspaceID, child.ID, failErr)
		return
	}

	output, err := c.lastAssistantText(context.Background(), child.ID)
	if err != nil {
		logging.Logger.Error().Err(err).Str("childSessionID", child.ID).Msg("subagent: extract output")
	}
	c.tracker.complete(child.ID, output, result.TurnsRun)

	if _, err := c.appendParent(context.Background(), parent.ID, parent.WorkspaceID, types.EventInput{
		Type: types.EventSubagentCompleted,
		Payload: types.SubagentCompletedPayload{
			ChildSessionID: child.ID,
			Output:         output,
		},
	}); err != nil {
		logging.Logger.Error().Err(err).Str("childSessionID", child.ID).Msg("subagent: append subagent.completed")
	}
	c.bus.Publish(bus.Envelope{
		Type:      "subagent.result_available",
		SessionID: parent.ID,
		Data:      map[string]any{"childSessionID": child.ID, "status": string(StatusCompleted)},
	})
}

func (c *Coordinator) notifyParent(ctx context.Context, parentSessionID, workspaceID, childSessionID string, runErr error) {
	if _, err := c.appendParent(ctx, parentSessionID, workspaceID, types.EventInput{
		Type: types.EventSubagentFailed,
		Payload: types.SubagentFailedPayload{
			ChildSessionID: childSessionID,
			Reason:         runErr.Error(),
		},
	}); err != nil {
		logging.Logger.Error().Err(err).Str("childSessionID", childSessionID).Msg("subagent: append subagent.failed")
	}
	c.bus.Publish(bus.Envelope{
		Type:      "subagent.result_available",
		SessionID: parentSessionID,
		Data:      map[string]any{"childSessionID": childSessionID, "status": string(StatusFailed)},
	})
}

// appendParent appends an event to the parent session's chain and
// publishes it on the bus, mirroring internal/turn.Orchestrator.append
// so parent-chain subagent.* events flow through fan-out the same way
// turn-produced events do.
func (c *Coordinator) appendParent(ctx context.Context, parentSessionID, workspaceID string, in types.EventInput) (types.Event, error) {
	parent, err := c.store.GetSession(ctx, parentSessionID)
	if err != nil {
		return types.Event{}, err
	}
	var head *string
	if parent.HeadEventID != "" {
		head = &parent.HeadEventID
	}
	in.SessionID = parentSessionID
	in.WorkspaceID = workspaceID
	in.ParentID = head
	in.ExpectedParentID = head

	ev, err := c.store.Append(ctx, in)
	if err != nil {
		return types.Event{}, err
	}
	c.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: parentSessionID, Sequence: ev.Sequence, Data: ev})
	return ev, nil
}

// lastAssistantText replays the child's events to find its final
// message.assistant and joins its text blocks, for use as the
// blocking-spawn tool-result content (spec §4.7: "the tool-result
// content carries the child's final textual output").
func (c *Coordinator) lastAssistantText(ctx context.Context, sessionID string) (string, error) {
	events, err := c.store.GetEventsBySession(ctx, sessionID, types.EventQuery{})
	if err != nil {
		return "", fmt.Errorf("subagent: load child events: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != types.EventMessageAssistant {
			continue
		}
		var payload types.MessagePayload
		if err := payload.UnmarshalJSON(events[i].Payload); err != nil {
			return "", fmt.Errorf("subagent: decode assistant payload: %w", err)
		}
		text := ""
		for _, b := range payload.Blocks {
			if tb, ok := b.(types.TextBlock); ok {
				if text != "" {
					text += "\n"
				}
				text += tb.Text
			}
		}
		return text, nil
	}
	return "", nil
}

// resolveModel splits a "provider/model" string, falling back to the
// coordinator's defaults for whichever half is missing.
func (c *Coordinator) resolveModel(model string) (providerID, modelID string) {
	if model == "" {
		return c.defaultProviderID, c.defaultModelID
	}
	providerID, modelID = provider.ParseModelString(model)
	if providerID == "" {
		providerID = c.defaultProviderID
	}
	if modelID == "" {
		modelID = c.defaultModelID
	}
	return providerID, modelID
}
