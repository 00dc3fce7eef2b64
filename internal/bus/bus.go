// Package bus implements the Event Fan-out Bus (C9): publishing persisted
// events and streaming deltas to subscribers, with cursor-based resume and
// pattern subscriptions, on top of watermill's in-memory gochannel
// transport.
package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/relayforge/agentcore/pkg/types"
)

// Envelope is one message carried on the bus: either a persisted event
// wrapper or an ephemeral notification (e.g. a streaming delta) that never
// hits the event store.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender,omitempty"`
	Data      any       `json:"data"`
}

// Handler receives delivered envelopes. Publish discards a handler's error,
// so it does not affect other subscribers.
type Handler func(Envelope) error

// replaySource is the event-store slice of internal/store.Store this
// package needs for resumeFrom.
type replaySource interface {
	GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error)
}

// Config tunes retention/eviction.
type Config struct {
	RetentionWindow time.Duration
	PerSessionCap   int
}

// DefaultConfig matches spec §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 5 * time.Minute,
		PerSessionCap:   1000,
	}
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is the fan-out bus. One Bus is shared by every session in a process;
// sessions are distinguished by Envelope.SessionID.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	seq  atomic.Uint64

	store replaySource
	cfg   Config

	// buffered per-session history for retention/eviction bookkeeping;
	// ResumeFrom replays from the event store and does not read it.
	history   map[string][]Envelope
	dedup     map[string]map[int64]struct{}
	pubsub    *gochannel.GoChannel
}

// New constructs a Bus. store may be nil if resumeFrom's event-store replay
// is not needed (e.g. in tests exercising only live delivery).
func New(store replaySource, cfg Config) *Bus {
	return &Bus{
		store:   store,
		cfg:     cfg,
		history: make(map[string][]Envelope),
		dedup:   make(map[string]map[int64]struct{}),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
	}
}

// Publish delivers envelope to every subscriber whose pattern matches.
// Envelope.Sender is passed through to handlers but is not used for
// filtering: this bus tracks no per-subscriber identity beyond the pattern,
// so a subscriber also receives envelopes it published itself. Publication
// is non-blocking: each handler runs in its own goroutine.
func (b *Bus) Publish(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	b.mu.Lock()
	if env.SessionID != "" {
		b.recordLocked(env)
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !matchPattern(s.pattern, env.Type) {
			continue
		}
		sub := s
		go func() {
			_ = sub.handler(env)
		}()
	}
}

// recordLocked appends env to the per-session retention buffer and evicts
// entries older than RetentionWindow or beyond PerSessionCap. Caller holds
// b.mu.
func (b *Bus) recordLocked(env Envelope) {
	limit := b.cfg.PerSessionCap
	if limit <= 0 {
		limit = 1000
	}
	buf := append(b.history[env.SessionID], env)

	cutoff := time.Now().Add(-b.cfg.RetentionWindow)
	start := 0
	for start < len(buf) && buf[start].Timestamp.Before(cutoff) {
		start++
	}
	buf = buf[start:]
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	b.history[env.SessionID] = buf

	if env.Sequence != 0 {
		seen := b.dedup[env.SessionID]
		if seen == nil {
			seen = make(map[int64]struct{})
			b.dedup[env.SessionID] = seen
		}
		seen[env.Sequence] = struct{}{}
	}
}

// Subscribe registers handler for envelopes whose Type matches pattern.
// Pattern is "*" (all events), "prefix.*" (namespace wildcard), or an exact
// type. Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.seq.Add(1)
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// ResumeFrom replays every persisted event with sequence > cursor for
// sessionID from the event store (nothing is replayed when the Bus was built
// without one; the in-memory retention buffer is not consulted), then
// subscribes handler to that session's live stream. Duplicates arising from
// the replay/live overlap are suppressed by (sessionId, sequence).
func (b *Bus) ResumeFrom(ctx context.Context, sessionID string, cursor int64, handler Handler) (func(), error) {
	var seenMu sync.Mutex
	seen := make(map[int64]struct{})

	if b.store != nil {
		events, err := b.store.GetEventsBySession(ctx, sessionID, types.EventQuery{AfterSequence: cursor})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if _, ok := seen[ev.Sequence]; ok {
				continue
			}
			seen[ev.Sequence] = struct{}{}
			if err := handler(Envelope{
				Type:      string(ev.Type),
				SessionID: sessionID,
				Sequence:  ev.Sequence,
				Timestamp: time.UnixMilli(ev.TimestampMillis),
				Data:      ev,
			}); err != nil {
				continue
			}
		}
	}

	unsubAll := b.Subscribe("*", func(env Envelope) error {
		if env.SessionID != sessionID {
			return nil
		}
		if env.Sequence != 0 {
			seenMu.Lock()
			_, dup := seen[env.Sequence]
			if !dup {
				seen[env.Sequence] = struct{}{}
			}
			seenMu.Unlock()
			if dup {
				return nil
			}
		}
		return handler(env)
	})

	return func() { unsubAll() }, nil
}

// matchPattern reports whether eventType matches pattern: "*" matches
// everything, "prefix.*" matches any type starting with "prefix.", anything
// else must match exactly.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// Close releases the underlying watermill transport.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
