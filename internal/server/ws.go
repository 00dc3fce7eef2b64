package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/logging"
)

// wsCommand is a client-to-server control message on the WebSocket
// surface: subscribe to a session's stream (optionally resuming from a
// cursor), or unsubscribe from one.
type wsCommand struct {
	Action    string `json:"action"` // "subscribe" | "unsubscribe"
	SessionID string `json:"sessionId,omitempty"`
	Cursor    int64  `json:"cursor,omitempty"`
}

// wsConn wraps one upgraded connection: gorilla/websocket permits only
// one concurrent writer, so every envelope delivery goes through
// writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]func() // sessionID (or "*") -> unsubscribe
}

func (c *wsConn) send(env bus.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// handleWS upgrades GET /ws and serves the streaming surface: clients
// send subscribe/unsubscribe commands and receive bus envelopes
// {type, sessionId?, timestamp, data} until they disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn, subs: make(map[string]func())}
	defer wc.closeAll()

	ctx := r.Context()
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.applyWSCommand(ctx, wc, cmd)
	}
}

func (s *Server) applyWSCommand(ctx context.Context, wc *wsConn, cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		s.wsSubscribe(ctx, wc, cmd)
	case "unsubscribe":
		wc.unsubscribe(cmd.SessionID)
	}
}

// wsSubscribe installs one subscription per distinct key (a session id,
// or "*" for every session). Resubscribing to an already-subscribed key
// is a no-op rather than a stacked duplicate handler.
func (s *Server) wsSubscribe(ctx context.Context, wc *wsConn, cmd wsCommand) {
	key := cmd.SessionID
	if key == "" {
		key = "*"
	}

	wc.mu.Lock()
	if _, already := wc.subs[key]; already {
		wc.mu.Unlock()
		return
	}
	wc.mu.Unlock()

	handler := func(env bus.Envelope) error {
		return wc.send(env)
	}

	var unsub func()
	var err error
	if cmd.SessionID == "" {
		unsub = s.bus.Subscribe("*", handler)
	} else {
		unsub, err = s.bus.ResumeFrom(ctx, cmd.SessionID, cmd.Cursor, handler)
	}
	if err != nil || unsub == nil {
		return
	}

	wc.mu.Lock()
	wc.subs[key] = unsub
	wc.mu.Unlock()
}

func (c *wsConn) unsubscribe(sessionID string) {
	key := sessionID
	if key == "" {
		key = "*"
	}
	c.mu.Lock()
	unsub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, unsub := range c.subs {
		unsub()
	}
	c.subs = nil
}
