// Package runtracker implements the Run Tracker & Idempotency component
// (C10): correlating a client-initiated prompt to the turns it drives,
// and caching responses for methods invoked with an idempotency key, per
// spec §4.10.
package runtracker

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// Config tunes retention and capacity.
type Config struct {
	// RetentionWindow is how long a completed run stays queryable after
	// its CompletedAt before Sweep evicts it.
	RetentionWindow time.Duration
	// MaxPerSession caps per-session storage; the oldest run is evicted
	// (regardless of status) when a session exceeds this count.
	MaxPerSession int
}

// DefaultConfig matches spec §4.10's stated defaults.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 24 * time.Hour,
		MaxPerSession:   100,
	}
}

// Tracker owns every Run for the process's lifetime, keyed by run id
// and indexed per session in insertion order for eviction.
type Tracker struct {
	mu        sync.Mutex
	runs      map[string]*types.Run
	bySession map[string][]string // run ids, oldest first
	cfg       Config
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = DefaultConfig().MaxPerSession
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultConfig().RetentionWindow
	}
	return &Tracker{
		runs:      make(map[string]*types.Run),
		bySession: make(map[string][]string),
		cfg:       cfg,
	}
}

// newRunID mints a run_ prefixed id; ulid.Make is 26 characters, well
// past the spec's >=10 character floor.
func newRunID() string {
	return "run_" + ulid.Make().String()
}

// Create assigns a run id on request entry and records it pending. It
// is the one point a run becomes visible to Get/ListForSession.
func (t *Tracker) Create(sessionID, clientRequestID string) types.Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := types.Run{
		ID:              newRunID(),
		SessionID:       sessionID,
		ClientRequestID: clientRequestID,
		Status:          types.RunPending,
		StartedAt:       time.Now(),
	}
	t.runs[run.ID] = &run
	t.bySession[sessionID] = append(t.bySession[sessionID], run.ID)
	t.evictOverCapLocked(sessionID)
	return run
}

// MarkRunning transitions a pending run to running.
func (t *Tracker) MarkRunning(runID string) error {
	return t.transition(runID, func(r *types.Run) error {
		r.Status = types.RunRunning
		return nil
	})
}

// Complete transitions a run to completed, recording token usage and a
// short result summary.
func (t *Tracker) Complete(runID, resultSummary string, inputTokens, outputTokens int) error {
	return t.transition(runID, func(r *types.Run) error {
		now := time.Now()
		r.Status = types.RunCompleted
		r.CompletedAt = &now
		r.ResultSummary = resultSummary
		r.InputTokens = inputTokens
		r.OutputTokens = outputTokens
		return nil
	})
}

// Fail transitions a run to failed, recording the error message.
func (t *Tracker) Fail(runID, errMsg string) error {
	return t.transition(runID, func(r *types.Run) error {
		now := time.Now()
		r.Status = types.RunFailed
		r.CompletedAt = &now
		r.Error = errMsg
		return nil
	})
}

// Abort transitions a run to aborted, for the user-interrupt path
// (spec §5's cancellation signal terminates here).
func (t *Tracker) Abort(runID string) error {
	return t.transition(runID, func(r *types.Run) error {
		now := time.Now()
		r.Status = types.RunAborted
		r.CompletedAt = &now
		return nil
	})
}

func (t *Tracker) transition(runID string, mutate func(*types.Run) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok {
		return apierr.New(apierr.CodeRunNotFound, "run not found: "+runID)
	}
	return mutate(r)
}

// Get returns a run by id.
func (t *Tracker) Get(runID string) (types.Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	if !ok {
		return types.Run{}, false
	}
	return *r, true
}

// ListForSession returns sessionID's runs, oldest first.
func (t *Tracker) ListForSession(sessionID string) []types.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.bySession[sessionID]
	out := make([]types.Run, 0, len(ids))
	for _, id := range ids {
		if r, ok := t.runs[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// Sweep evicts completed/failed/aborted runs whose CompletedAt is older
// than RetentionWindow. It is the caller's responsibility to invoke
// this periodically (there is no background goroutine here, matching
// the rest of this module's preference for caller-driven lifecycles
// over hidden timers).
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sessionID, ids := range t.bySession {
		kept := ids[:0]
		for _, id := range ids {
			r, ok := t.runs[id]
			if !ok {
				continue
			}
			if r.Terminal() && r.CompletedAt != nil && now.Sub(*r.CompletedAt) > t.cfg.RetentionWindow {
				delete(t.runs, id)
				continue
			}
			kept = append(kept, id)
		}
		t.bySession[sessionID] = kept
	}
}

// evictOverCapLocked drops the oldest run(s) for sessionID past
// MaxPerSession. Caller holds t.mu.
func (t *Tracker) evictOverCapLocked(sessionID string) {
	ids := t.bySession[sessionID]
	for len(ids) > t.cfg.MaxPerSession {
		delete(t.runs, ids[0])
		ids = ids[1:]
	}
	t.bySession[sessionID] = ids
}
