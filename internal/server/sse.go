package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/logging"
	"github.com/relayforge/agentcore/pkg/apierr"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes an SSE event.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// globalEvents handles GET /global/event: every bus envelope across every
// session, unfiltered. Mirrors the WebSocket surface's "*" subscription.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	sseHeaders(w)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, apierr.New(apierr.CodeInternalError, err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	envelopes := make(chan bus.Envelope, 16)
	unsub := s.bus.Subscribe("*", func(env bus.Envelope) error {
		select {
		case envelopes <- env:
		default:
			logging.Warn().Str("type", env.Type).Msg("sse global event dropped: channel full")
		}
		return nil
	})
	defer unsub()

	streamSSE(r, sse, envelopes)
}

// sessionEvents handles GET /event: one session's stream, optionally
// resuming from a cursor (the sequence number of the last event the
// client already has) so a reconnecting client doesn't miss history.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		writeErr(w, apierr.New(apierr.CodeInvalidParams, "sessionID required"))
		return
	}
	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		if parsed, err := strconv.ParseInt(c, 10, 64); err == nil {
			cursor = parsed
		}
	}

	sseHeaders(w)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, apierr.New(apierr.CodeInternalError, err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	envelopes := make(chan bus.Envelope, 16)
	unsub, err := s.bus.ResumeFrom(r.Context(), sessionID, cursor, func(env bus.Envelope) error {
		select {
		case envelopes <- env:
		default:
			logging.Warn().Str("type", env.Type).Str("sessionID", sessionID).Msg("sse session event dropped: channel full")
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	defer unsub()

	streamSSE(r, sse, envelopes)
}

// streamSSE drains envelopes onto sse until the client disconnects,
// interleaving heartbeats so intermediary proxies don't time the
// connection out during quiet sessions.
func streamSSE(r *http.Request, sse *sseWriter, envelopes <-chan bus.Envelope) {
	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-envelopes:
			if err := sse.writeEvent("message", env); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
