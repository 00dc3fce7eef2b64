package server

import (
	"encoding/json"
	"net/http"

	"github.com/relayforge/agentcore/internal/sessionmgr"
	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// rpcRequest is the {method, params} envelope every JSON-RPC call sends.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcMethods is the method table from spec §6. Each entry unmarshals its
// own params and returns the result value for a success envelope.
var rpcMethods = map[string]func(s *Server, r *http.Request, params json.RawMessage) (any, error){
	"session.create":    rpcSessionCreate,
	"session.resume":    rpcSessionResume,
	"session.list":      rpcSessionList,
	"session.delete":    rpcSessionDelete,
	"session.fork":      rpcSessionFork,
	"agent.prompt":      rpcAgentPrompt,
	"agent.abort":       rpcAgentAbort,
	"agent.getState":    rpcAgentGetState,
	"message.delete":    rpcMessageDelete,
	"plan.enter":        rpcPlanEnter,
	"plan.exit":         rpcPlanExit,
	"plan.getState":     rpcPlanGetState,
	"voiceNotes.save":   rpcVoiceNoteSave,
	"voiceNotes.list":   rpcVoiceNoteList,
	"voiceNotes.delete": rpcVoiceNoteDelete,
}

// handleRPC dispatches POST /rpc requests. The idempotency cache wraps
// every call uniformly; rpcMethods not in Idempotency's configured set
// (everything except agent.prompt, by default) pass straight through.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "malformed request body"))
		return
	}

	fn, ok := rpcMethods[req.Method]
	if !ok {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "unknown method: "+req.Method))
		return
	}

	key := idempotencyKey(req.Params)
	result, err := s.idem.Execute(req.Method, key, func() (any, error) {
		return fn(s, r, req.Params)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeResult(w, result)
}

// idempotencyKey extracts params.idempotencyKey when present; methods
// outside Idempotency's configured set never consult it.
func idempotencyKey(params json.RawMessage) string {
	var k struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	_ = json.Unmarshal(params, &k)
	return k.IdempotencyKey
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return apierr.New(apierr.CodeInvalidParams, "malformed params: "+err.Error())
	}
	return nil
}

func rpcSessionCreate(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		WorkingDirectory string `json:"workingDirectory"`
		Model            string `json:"model"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.WorkingDirectory == "" {
		p.WorkingDirectory = getDirectory(r.Context())
	}
	return s.sessions.Create(r.Context(), defaultWorkspaceID, p.WorkingDirectory, p.Model)
}

func rpcSessionResume(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.Resume(r.Context(), p.SessionID)
}

func rpcSessionList(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		WorkspaceID string `json:"workspaceId"`
	}
	_ = decodeParams(params, &p)
	ws := p.WorkspaceID
	if ws == "" {
		ws = defaultWorkspaceID
	}
	sessions, err := s.sessions.List(r.Context(), ws)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

func rpcSessionDelete(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.sessions.Archive(r.Context(), p.SessionID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func rpcSessionFork(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID     string `json:"sessionId"`
		FromEventID   string `json:"fromEventId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.Fork(r.Context(), p.SessionID, p.FromEventID)
}

func rpcAgentPrompt(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID      string                `json:"sessionId"`
		Prompt         string                `json:"prompt"`
		ReasoningLevel string                `json:"reasoningLevel"`
		IdempotencyKey string                `json:"idempotencyKey"`
		Model          string                `json:"model"`
		MaxTurns       int                   `json:"maxTurns"`
		ToolDenials    types.ToolDenialConfig `json:"toolDenials"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.Prompt == "" {
		return nil, apierr.New(apierr.CodeInvalidParams, "sessionId and prompt are required")
	}

	run := s.runs.Create(p.SessionID, p.IdempotencyKey)
	go s.runAgentTurn(run.ID, p.SessionID, sessionmgr.TurnOptions{
		Prompt:      []types.ContentBlock{types.TextBlock{Text: p.Prompt}},
		Model:       p.Model,
		MaxTurns:    p.MaxTurns,
		ToolDenials: p.ToolDenials,
	})

	return map[string]any{"acknowledged": true, "runId": run.ID}, nil
}

func rpcAgentAbort(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.sessions.Abort(p.SessionID)
	return map[string]bool{"aborted": true}, nil
}

func rpcAgentGetState(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Resume(r.Context(), p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session": sess,
		"running": s.sessions.IsRunning(p.SessionID),
		"runs":    s.runs.ListForSession(p.SessionID),
	}, nil
}

func rpcMessageDelete(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID     string `json:"sessionId"`
		TargetEventID string `json:"targetEventId"`
		Reason        string `json:"reason"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.DeleteMessage(r.Context(), p.SessionID, p.TargetEventID, p.Reason)
}

func rpcPlanEnter(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID    string   `json:"sessionId"`
		SkillName    string   `json:"skillName"`
		BlockedTools []string `json:"blockedTools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.EnterPlan(r.Context(), p.SessionID, p.SkillName, p.BlockedTools)
}

func rpcPlanExit(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
		PlanPath  string `json:"planPath"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.sessions.ExitPlan(r.Context(), p.SessionID, p.Reason, p.PlanPath); err != nil {
		return nil, err
	}
	return map[string]bool{"exited": true}, nil
}

func rpcPlanGetState(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.sessions.GetPlanState(p.SessionID), nil
}
