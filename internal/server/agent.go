package server

import (
	"context"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/sessionmgr"
)

// defaultWorkspaceID is used when a caller doesn't name one explicitly.
// A single-workspace deployment (the common case for a local agentcored
// instance) never needs to pass it.
const defaultWorkspaceID = "default"

// runAgentTurn drives one agent.prompt run in the background: it marks
// runID running, submits the turn to the session manager, and records
// the terminal outcome, publishing a run.* notification on the bus so
// subscribers don't have to poll agent.getState.
func (s *Server) runAgentTurn(runID, sessionID string, opts sessionmgr.TurnOptions) {
	ctx := context.Background()

	if err := s.runs.MarkRunning(runID); err != nil {
		return
	}
	s.bus.Publish(bus.Envelope{Type: "run.started", SessionID: sessionID, Data: map[string]string{"runId": runID}})

	result, err := s.sessions.Submit(ctx, sessionID, opts)
	if err != nil {
		_ = s.runs.Fail(runID, err.Error())
		s.bus.Publish(bus.Envelope{Type: "run.failed", SessionID: sessionID, Data: map[string]string{"runId": runID, "error": err.Error()}})
		return
	}

	switch result.Status {
	case "interrupted":
		_ = s.runs.Abort(runID)
		s.bus.Publish(bus.Envelope{Type: "run.aborted", SessionID: sessionID, Data: map[string]string{"runId": runID}})
	case "failed":
		_ = s.runs.Fail(runID, result.FailureReason)
		s.bus.Publish(bus.Envelope{Type: "run.failed", SessionID: sessionID, Data: map[string]string{"runId": runID, "error": result.FailureReason}})
	default:
		_ = s.runs.Complete(runID, string(result.Status), 0, 0)
		s.bus.Publish(bus.Envelope{Type: "run.completed", SessionID: sessionID, Data: map[string]string{"runId": runID, "status": string(result.Status)}})
	}
}
