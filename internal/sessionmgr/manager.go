// Package sessionmgr implements the Session Manager (C8): session
// lifecycle (create, resume, fork, archive, list), a per-session FIFO
// turn queue enforcing at-most-one active run, and the compaction
// decision that gates every run's first COMPOSING pass.
package sessionmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/stream"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/internal/turn"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// eventStore is the subset of internal/store.Store the manager needs.
// Defined locally, as every other component does, so the manager stays
// independent of the storage implementation.
type eventStore interface {
	CreateSession(ctx context.Context, in types.Session) (types.Session, error)
	GetSession(ctx context.Context, id string) (types.Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]types.Session, error)
	ArchiveSession(ctx context.Context, id string) error
	ForkSession(ctx context.Context, parentSessionID, forkFromEventID string) (types.Session, error)
	Append(ctx context.Context, in types.EventInput) (types.Event, error)
	GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error)
	GetEvent(ctx context.Context, id string) (types.Event, error)
	DeleteMessage(ctx context.Context, sessionID, eventID, reason string) (types.Event, error)
}

// OverflowPolicy controls what happens when a session's turn queue is at
// QueueLimit and another turn is submitted (spec §4.8).
type OverflowPolicy string

const (
	// OverflowBlock makes Submit wait for queue room, applying natural
	// backpressure to the caller. This is the default.
	OverflowBlock OverflowPolicy = "block"
	// OverflowReject fails Submit immediately with CodeSessionBusy.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the longest-waiting queued turn (failing
	// it with CodeSessionBusy) to make room for the new one.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Config tunes manager-wide defaults; all fields have workable zero
// values except QueueLimit, which DefaultConfig sets explicitly.
type Config struct {
	QueueLimit        int
	Overflow          OverflowPolicy
	DefaultProviderID string
	DefaultModelID    string
	DefaultMaxTurns   int
}

// DefaultConfig returns sane defaults: a small bounded queue, blocking
// overflow, and the orchestrator's own turn cap.
func DefaultConfig() Config {
	return Config{
		QueueLimit:      8,
		Overflow:        OverflowBlock,
		DefaultMaxTurns: turn.DefaultMaxTurns,
	}
}

// TurnOptions is what a caller (the RPC/WS server surface, or a REPL)
// supplies when asking the manager to run a turn on a session.
type TurnOptions struct {
	Prompt      []types.ContentBlock
	Model       string // "provider/model"; empty uses the session's own model, then the manager default
	MaxTurns    int
	ToolDenials types.ToolDenialConfig
	Agent       string
}

type queuedTurn struct {
	ctx      context.Context
	opts     TurnOptions
	resultCh chan turnOutcome
}

type turnOutcome struct {
	result turn.Result
	err    error
}

// sessionRunner serializes turns for one session: its goroutine drains
// queue one item at a time, so only one turn.Orchestrator.Run is ever
// in flight per session, satisfying the at-most-one-active-run
// invariant without a session-wide lock blocking unrelated sessions.
type sessionRunner struct {
	sessionID string
	queue     chan *queuedTurn
	manager   *Manager
}

func (r *sessionRunner) loop() {
	for q := range r.queue {
		runCtx, cancel := context.WithCancel(q.ctx)
		r.manager.setActiveCancel(r.sessionID, cancel)

		res, err := r.manager.runTurn(runCtx, r.sessionID, q.opts)

		r.manager.clearActiveCancel(r.sessionID)
		cancel()
		q.resultCh <- turnOutcome{result: res, err: err}
		close(q.resultCh)
	}
}

// Manager is the Session Manager. One Manager instance owns every
// session's runner and per-session provider-stream adapter for the
// process's lifetime.
type Manager struct {
	store      eventStore
	bus        *bus.Bus
	compositor *composer.Compositor
	providers  *provider.Registry
	registry   *tool.Registry
	orch       *turn.Orchestrator
	cfg        Config

	mu           sync.Mutex
	runners      map[string]*sessionRunner
	adapters     map[string]*stream.Adapter
	activeCancel map[string]context.CancelFunc

	planMu sync.Mutex
	plans  map[string]*PlanState
}

// New constructs a Manager.
func New(store eventStore, b *bus.Bus, compositor *composer.Compositor, providers *provider.Registry, registry *tool.Registry, dispatcher *tool.Dispatcher, cfg Config) *Manager {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DefaultConfig().Overflow
	}
	return &Manager{
		store:      store,
		bus:        b,
		compositor: compositor,
		providers:  providers,
		registry:   registry,
		orch:       turn.New(store, compositor, dispatcher, registry, b),
		cfg:        cfg,
		runners:      make(map[string]*sessionRunner),
		adapters:     make(map[string]*stream.Adapter),
		activeCancel: make(map[string]context.CancelFunc),
		plans:        make(map[string]*PlanState),
	}
}

func (m *Manager) setActiveCancel(sessionID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.activeCancel[sessionID] = cancel
	m.mu.Unlock()
}

func (m *Manager) clearActiveCancel(sessionID string) {
	m.mu.Lock()
	delete(m.activeCancel, sessionID)
	m.mu.Unlock()
}

// Abort cancels sessionID's currently running turn, if any. It is a
// no-op if the session has no turn in flight: per spec §6 abort always
// reaches a terminal state, and aborting an already-idle session is not
// an error.
func (m *Manager) Abort(sessionID string) {
	m.mu.Lock()
	cancel, ok := m.activeCancel[sessionID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// IsRunning reports whether sessionID currently has a turn in flight.
func (m *Manager) IsRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeCancel[sessionID]
	return ok
}

// Create starts a brand-new session in workspaceID and publishes
// session.started onto its own (empty) chain.
func (m *Manager) Create(ctx context.Context, workspaceID, workingDirectory, model string) (types.Session, error) {
	sess, err := m.store.CreateSession(ctx, types.Session{
		WorkspaceID:      workspaceID,
		WorkingDirectory: workingDirectory,
		Model:            model,
	})
	if err != nil {
		return types.Session{}, fmt.Errorf("sessionmgr: create session: %w", err)
	}

	ev, err := m.store.Append(ctx, types.EventInput{
		SessionID:   sess.ID,
		WorkspaceID: workspaceID,
		Type:        types.EventSessionStarted,
		Payload:     types.SessionStartedPayload{Model: model, WorkingDirectory: workingDirectory},
	})
	if err != nil {
		return types.Session{}, fmt.Errorf("sessionmgr: append session.started: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: sess.ID, Sequence: ev.Sequence, Data: ev})

	return m.store.GetSession(ctx, sess.ID)
}

// Resume returns an existing, non-archived session, ready to accept a
// Submit call. It is a thin lookup today; its own slot exists so
// callers have one stable resumption entry point even as C8 grows
// richer resumption bookkeeping (e.g. last-seen cursor per client).
func (m *Manager) Resume(ctx context.Context, sessionID string) (types.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return types.Session{}, fmt.Errorf("sessionmgr: resume session: %w", err)
	}
	if sess.IsArchived() {
		return types.Session{}, apierr.New(apierr.CodeInvalidOperation, "session is archived")
	}
	return sess, nil
}

// Fork branches a new session from sessionID at forkFromEventID,
// copying the parent's chain up to and including that event, and
// records session.forked on the new session's own chain.
func (m *Manager) Fork(ctx context.Context, sessionID, forkFromEventID string) (types.Session, error) {
	child, err := m.store.ForkSession(ctx, sessionID, forkFromEventID)
	if err != nil {
		return types.Session{}, fmt.Errorf("sessionmgr: fork session: %w", err)
	}

	var expectedParent *string
	if child.HeadEventID != "" {
		expectedParent = &child.HeadEventID
	}
	ev, err := m.store.Append(ctx, types.EventInput{
		SessionID:        child.ID,
		WorkspaceID:      child.WorkspaceID,
		Type:             types.EventSessionForked,
		ExpectedParentID: expectedParent,
		Payload:          types.SessionForkedPayload{ParentSessionID: sessionID, ForkFromEventID: forkFromEventID},
	})
	if err != nil {
		return types.Session{}, fmt.Errorf("sessionmgr: append session.forked: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: child.ID, Sequence: ev.Sequence, Data: ev})

	return m.store.GetSession(ctx, child.ID)
}

// Archive ends a session: it appends session.ended, soft-deletes the
// session row (its chain is retained for replay/fork/audit), and
// drains and closes the session's runner so no further turns queue.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("sessionmgr: load session for archive: %w", err)
	}

	ev, err := m.store.Append(ctx, types.EventInput{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		Type:        types.EventSessionEnded,
		Payload:     types.SessionEndedPayload{Reason: "archived"},
	})
	if err != nil {
		return fmt.Errorf("sessionmgr: append session.ended: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: sessionID, Sequence: ev.Sequence, Data: ev})

	if err := m.store.ArchiveSession(ctx, sessionID); err != nil {
		return fmt.Errorf("sessionmgr: archive session: %w", err)
	}

	m.mu.Lock()
	if r, ok := m.runners[sessionID]; ok {
		close(r.queue)
		delete(m.runners, sessionID)
	}
	delete(m.adapters, sessionID)
	m.mu.Unlock()

	m.planMu.Lock()
	delete(m.plans, sessionID)
	m.planMu.Unlock()

	return nil
}

// List returns every non-archived session in workspaceID, most
// recently updated first.
func (m *Manager) List(ctx context.Context, workspaceID string) ([]types.Session, error) {
	return m.store.ListSessions(ctx, workspaceID)
}

// Children returns sessionID's subagent children, most recently updated
// first (the order ListSessions returns).
func (m *Manager) Children(ctx context.Context, workspaceID, sessionID string) ([]types.Session, error) {
	all, err := m.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var out []types.Session
	for _, s := range all {
		if s.SpawningSessionID != nil && *s.SpawningSessionID == sessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

// deletableTargets is the closed set of event types message.delete may
// tombstone (spec: "Fails with INVALID_OPERATION if the target is not of
// type message.user | message.assistant | tool.result").
var deletableTargets = map[types.EventType]bool{
	types.EventMessageUser:      true,
	types.EventMessageAssistant: true,
	types.EventToolResult:       true,
}

// DeleteMessage tombstones targetEventID on sessionID's chain. The
// original event is never removed; context composition skips tombstoned
// events on replay.
func (m *Manager) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (types.Event, error) {
	target, err := m.store.GetEvent(ctx, targetEventID)
	if err != nil {
		return types.Event{}, err
	}
	if target.SessionID != sessionID || !deletableTargets[target.Type] {
		return types.Event{}, apierr.New(apierr.CodeInvalidOperation, "target event is not a deletable message")
	}

	ev, err := m.store.DeleteMessage(ctx, sessionID, targetEventID, reason)
	if err != nil {
		return types.Event{}, fmt.Errorf("sessionmgr: delete message: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: sessionID, Sequence: ev.Sequence, Data: ev})
	return ev, nil
}
