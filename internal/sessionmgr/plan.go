package sessionmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

const (
	planEnteredKind = "plan.entered"
	planExitedKind  = "plan.exited"
)

// PlanState is a session's plan-mode status, as returned by plan.getState.
// A session not in plan mode reports the zero value (Active is false).
type PlanState struct {
	Active       bool
	SkillName    string
	BlockedTools []string
	EnteredAt    time.Time
}

// EnterPlan puts sessionID into plan mode: every turn submitted while
// active has BlockedTools added to its tool denial list, on top of
// whatever the caller already specified. Fails with
// apierr.CodeAlreadyInPlanMode if sessionID is already in plan mode.
func (m *Manager) EnterPlan(ctx context.Context, sessionID, skillName string, blockedTools []string) (PlanState, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return PlanState{}, fmt.Errorf("sessionmgr: load session for plan.enter: %w", err)
	}

	m.planMu.Lock()
	if _, active := m.plans[sessionID]; active {
		m.planMu.Unlock()
		return PlanState{}, apierr.New(apierr.CodeAlreadyInPlanMode, "session is already in plan mode")
	}
	state := &PlanState{Active: true, SkillName: skillName, BlockedTools: blockedTools, EnteredAt: time.Now()}
	m.plans[sessionID] = state
	m.planMu.Unlock()

	ev, err := m.store.Append(ctx, types.EventInput{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		Type:        types.EventMetadataUpdate,
		Payload:     types.PlanEnteredPayload{Kind: planEnteredKind, SkillName: skillName, BlockedTools: blockedTools},
	})
	if err != nil {
		return PlanState{}, fmt.Errorf("sessionmgr: append plan.entered: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: sessionID, Sequence: ev.Sequence, Data: ev})

	return *state, nil
}

// ExitPlan takes sessionID out of plan mode and records reason/planPath on
// its chain. Fails with apierr.CodeNotInPlanMode if sessionID is not
// currently in plan mode.
func (m *Manager) ExitPlan(ctx context.Context, sessionID, reason, planPath string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("sessionmgr: load session for plan.exit: %w", err)
	}

	m.planMu.Lock()
	if _, active := m.plans[sessionID]; !active {
		m.planMu.Unlock()
		return apierr.New(apierr.CodeNotInPlanMode, "session is not in plan mode")
	}
	delete(m.plans, sessionID)
	m.planMu.Unlock()

	ev, err := m.store.Append(ctx, types.EventInput{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		Type:        types.EventMetadataUpdate,
		Payload:     types.PlanExitedPayload{Kind: planExitedKind, Reason: reason, PlanPath: planPath},
	})
	if err != nil {
		return fmt.Errorf("sessionmgr: append plan.exited: %w", err)
	}
	m.bus.Publish(bus.Envelope{Type: string(ev.Type), SessionID: sessionID, Sequence: ev.Sequence, Data: ev})
	return nil
}

// GetPlanState returns sessionID's current plan-mode status.
func (m *Manager) GetPlanState(sessionID string) PlanState {
	m.planMu.Lock()
	defer m.planMu.Unlock()
	if p, ok := m.plans[sessionID]; ok {
		return *p
	}
	return PlanState{}
}

// planDeniedTools returns the extra tool deny-list plan mode imposes on
// sessionID, or nil if the session is not in plan mode.
func (m *Manager) planDeniedTools(sessionID string) []string {
	m.planMu.Lock()
	defer m.planMu.Unlock()
	if p, ok := m.plans[sessionID]; ok {
		return p.BlockedTools
	}
	return nil
}
