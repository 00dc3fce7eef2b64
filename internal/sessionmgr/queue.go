package sessionmgr

import (
	"context"
	"fmt"

	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/stream"
	"github.com/relayforge/agentcore/internal/turn"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// Submit enqueues a turn for sessionID and blocks until it runs and
// completes, is rejected, or is dropped by the queue's overflow policy.
// At most one turn per session is ever executing at a time; callers
// racing on the same session queue up FIFO behind whichever call
// reached Submit first, per spec §4.8.
func (m *Manager) Submit(ctx context.Context, sessionID string, opts TurnOptions) (turn.Result, error) {
	r := m.runnerFor(sessionID)
	q := &queuedTurn{ctx: ctx, opts: opts, resultCh: make(chan turnOutcome, 1)}

	if err := m.enqueue(r, q); err != nil {
		return turn.Result{}, err
	}

	select {
	case out := <-q.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return turn.Result{}, ctx.Err()
	}
}

func (m *Manager) runnerFor(sessionID string) *sessionRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[sessionID]
	if !ok {
		r = &sessionRunner{
			sessionID: sessionID,
			queue:     make(chan *queuedTurn, m.cfg.QueueLimit),
			manager:   m,
		}
		m.runners[sessionID] = r
		go r.loop()
	}
	return r
}

// enqueue applies the configured OverflowPolicy when r.queue is at
// QueueLimit. OverflowBlock relies on the channel send itself blocking;
// OverflowReject fails fast; OverflowDropOldest evicts the
// longest-waiting entry to make room, failing it with CodeSessionBusy.
func (m *Manager) enqueue(r *sessionRunner, q *queuedTurn) error {
	switch m.cfg.Overflow {
	case OverflowReject:
		select {
		case r.queue <- q:
			return nil
		default:
			return apierr.New(apierr.CodeSessionBusy, "session turn queue is full")
		}
	case OverflowDropOldest:
		for {
			select {
			case r.queue <- q:
				return nil
			default:
			}
			select {
			case old := <-r.queue:
				old.resultCh <- turnOutcome{err: apierr.New(apierr.CodeSessionBusy, "turn dropped: superseded by a newer submission")}
				close(old.resultCh)
			default:
			}
		}
	default: // OverflowBlock
		r.queue <- q
		return nil
	}
}

// runTurn is what each sessionRunner.loop iteration actually executes:
// resolve the provider/model and reuse (or create) the session's
// stream.Adapter, run the compaction decision, then drive the turn
// orchestrator.
func (m *Manager) runTurn(ctx context.Context, sessionID string, opts TurnOptions) (turn.Result, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return turn.Result{}, fmt.Errorf("sessionmgr: load session: %w", err)
	}
	if sess.IsArchived() {
		return turn.Result{}, apierr.New(apierr.CodeInvalidOperation, "session is archived")
	}

	modelSpec := opts.Model
	if modelSpec == "" {
		modelSpec = sess.Model
	}
	providerID, modelID := m.resolveModel(modelSpec)

	prov, err := m.providers.Get(providerID)
	if err != nil {
		return turn.Result{}, fmt.Errorf("sessionmgr: resolve provider %s: %w", providerID, err)
	}

	if err := m.maybeCompact(ctx, sessionID); err != nil {
		return turn.Result{}, fmt.Errorf("sessionmgr: compaction: %w", err)
	}

	adapter := m.adapterFor(sessionID, prov)

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = m.cfg.DefaultMaxTurns
	}

	denials := opts.ToolDenials
	if blocked := m.planDeniedTools(sessionID); len(blocked) > 0 {
		denials.Tools = append(append([]string{}, denials.Tools...), blocked...)
	}

	return m.orch.Run(ctx, adapter, turn.Request{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		UserPrompt:  opts.Prompt,
		Model:       modelID,
		CalcMethod:  types.TokenCalcDirect,
		ToolDenials: denials,
		MaxTurns:    maxTurns,
		Agent:       opts.Agent,
	})
}

// maybeCompact composes the session once to check whether it has
// crossed the compactor's threshold and, if so, runs Compact before the
// run's own first COMPOSING pass reads the chain. This is the decision
// point flagged in the turn orchestrator's design: the orchestrator
// itself never compacts, because it has no opinion on session-level
// policy like queue depth or caller overrides.
func (m *Manager) maybeCompact(ctx context.Context, sessionID string) error {
	composed, err := m.compositor.Compose(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("compose for compaction check: %w", err)
	}
	if !m.compositor.NeedsCompaction(composed) {
		return nil
	}
	_, _, err = m.compositor.Compact(ctx, m.store, sessionID, composed)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// adapterFor reuses the same *stream.Adapter across every turn run on
// sessionID, since its tool-call-id remapper is session-local state
// (internal/stream's session-local remapping contract).
func (m *Manager) adapterFor(sessionID string, prov provider.Provider) *stream.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[sessionID]
	if !ok {
		a = stream.New(prov, stream.DefaultRetryConfig())
		m.adapters[sessionID] = a
	}
	return a
}

func (m *Manager) resolveModel(spec string) (providerID, modelID string) {
	if spec == "" {
		return m.cfg.DefaultProviderID, m.cfg.DefaultModelID
	}
	providerID, modelID = provider.ParseModelString(spec)
	if providerID == "" {
		providerID = m.cfg.DefaultProviderID
	}
	if modelID == "" {
		modelID = m.cfg.DefaultModelID
	}
	return providerID, modelID
}
