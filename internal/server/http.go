package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/agentcore/internal/sessionmgr"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// invalidAuth reports a missing/incorrect Bearer token. The closed
// apierr.Code set has no auth-specific entry, so this surfaces as
// INVALID_PARAMS — the REST surface's one deviation from the JSON-RPC
// method table, which never sees credentials at all.
func invalidAuth() error {
	return apierr.New(apierr.CodeInvalidParams, "missing or invalid bearer token")
}

// httpListSessions handles GET /api/sessions.
func (s *Server) httpListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context(), defaultWorkspaceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, map[string]any{"sessions": sessions})
}

// httpCreateSession handles POST /api/sessions.
func (s *Server) httpCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkingDirectory string `json:"workingDirectory"`
		Model            string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "malformed request body"))
		return
	}
	if body.WorkingDirectory == "" {
		body.WorkingDirectory = getDirectory(r.Context())
	}
	sess, err := s.sessions.Create(r.Context(), defaultWorkspaceID, body.WorkingDirectory, body.Model)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, sess)
}

// httpSessionStatus handles GET /api/sessions/:id/status.
func (s *Server) httpSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.Resume(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, map[string]any{
		"session": sess,
		"running": s.sessions.IsRunning(sessionID),
	})
}

// httpPrompt handles POST /api/sessions/:id/prompt.
func (s *Server) httpPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var body struct {
		Prompt         string `json:"prompt"`
		Model          string `json:"model"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "malformed request body"))
		return
	}
	if body.Prompt == "" {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "prompt is required"))
		return
	}

	result, err := s.idem.Execute("agent.prompt", body.IdempotencyKey, func() (any, error) {
		run := s.runs.Create(sessionID, body.IdempotencyKey)
		go s.runAgentTurn(run.ID, sessionID, sessionmgr.TurnOptions{
			Prompt: []types.ContentBlock{types.TextBlock{Text: body.Prompt}},
			Model:  body.Model,
		})
		return map[string]any{"acknowledged": true, "runId": run.ID}, nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, result)
}

// httpAbort handles POST /api/sessions/:id/abort.
func (s *Server) httpAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.sessions.Abort(sessionID)
	writeResult(w, map[string]bool{"aborted": true})
}
