package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/relayforge/agentcore/pkg/apierr"
)

// voiceNote is the thin record voiceNotes.* keeps. Per spec §6 this
// surface is a collaborator, not core orchestration logic: notes live
// in the server process's memory until deleted (archiving a session
// does not remove them) rather than going through the event store's
// durability guarantees.
type voiceNote struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type voiceNoteStore struct {
	mu    sync.Mutex
	notes map[string][]voiceNote
	seq   int
}

func newVoiceNoteStore() *voiceNoteStore {
	return &voiceNoteStore{notes: make(map[string][]voiceNote)}
}

func (v *voiceNoteStore) save(sessionID, text string) voiceNote {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	n := voiceNote{ID: idFor(v.seq), SessionID: sessionID, Text: text, CreatedAt: time.Now()}
	v.notes[sessionID] = append(v.notes[sessionID], n)
	return n
}

func (v *voiceNoteStore) list(sessionID string) []voiceNote {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]voiceNote(nil), v.notes[sessionID]...)
}

func (v *voiceNoteStore) delete(sessionID, id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	notes := v.notes[sessionID]
	for i, n := range notes {
		if n.ID == id {
			v.notes[sessionID] = append(notes[:i], notes[i+1:]...)
			return true
		}
	}
	return false
}

func idFor(seq int) string {
	return "vn_" + time.Now().Format("20060102150405") + "_" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func rpcVoiceNoteSave(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, apierr.New(apierr.CodeInvalidParams, "sessionId is required")
	}
	return s.voiceNotes.save(p.SessionID, p.Text), nil
}

func rpcVoiceNoteList(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"notes": s.voiceNotes.list(p.SessionID)}, nil
}

func rpcVoiceNoteDelete(s *Server, r *http.Request, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ID        string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": s.voiceNotes.delete(p.SessionID, p.ID)}, nil
}
