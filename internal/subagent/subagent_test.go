package subagent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentcore/internal/agent"
	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/subagent"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/pkg/types"
)

// fakeStore mirrors internal/turn's test double: an in-memory stand-in
// for internal/store.Store covering session lifecycle plus event replay.
type fakeStore struct {
	mu       sync.Mutex
	seq      int64
	events   []types.Event
	sessions map[string]types.Session
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]types.Session)}
}

func (s *fakeStore) CreateSession(ctx context.Context, in types.Session) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	in.ID = fmt.Sprintf("ses_%d", s.nextID)
	s.sessions[in.ID] = in
	return in, nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id], nil
}

func (s *fakeStore) Append(ctx context.Context, in types.EventInput) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	payload, _ := json.Marshal(in.Payload)
	ev := types.Event{
		ID:          fmt.Sprintf("ev_%d", s.seq),
		SessionID:   in.SessionID,
		ParentID:    in.ParentID,
		Sequence:    s.seq,
		Type:        in.Type,
		Payload:     payload,
		WorkspaceID: in.WorkspaceID,
		Turn:        in.Turn,
	}
	s.events = append(s.events, ev)
	sess := s.sessions[in.SessionID]
	sess.HeadEventID = ev.ID
	s.sessions[in.SessionID] = sess
	return ev, nil
}

func (s *fakeStore) GetEventsBySession(ctx context.Context, sessionID string, q types.EventQuery) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEvent(ctx context.Context, id string) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return types.Event{}, nil
}

func (s *fakeStore) eventsOfType(sessionID string, t types.EventType) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeStore) ResolveBlob(ctx context.Context, id string) (types.Blob, []byte, error) {
	return types.Blob{}, nil, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	responses [][]*schema.Message
	call      int
}

func (f *fakeProvider) ID() string                           { return "fake" }
func (f *fakeProvider) Name() string                          { return "Fake" }
func (f *fakeProvider) Models() []types.Model                 { return nil }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunks := f.responses[f.call]
	f.call++
	return provider.NewCompletionStream(schema.StreamReaderFromArray(chunks)), nil
}

func newCoordinator(t *testing.T, store *fakeStore, fp *fakeProvider) *subagent.Coordinator {
	t.Helper()
	providers := provider.NewRegistry(&types.Config{})
	providers.Register(fp)
	reg := tool.NewRegistry(t.TempDir())
	disp := tool.NewDispatcher(reg)
	b := bus.New(store, bus.DefaultConfig())
	agents := agent.NewRegistry()
	return subagent.New(store, b, providers, reg, disp, agents, "fake", "fake-model", subagent.DefaultConfig())
}

func TestSpawn_BlockingReturnsChildOutput(t *testing.T) {
	store := newFakeStore()
	parent, err := store.CreateSession(context.Background(), types.Session{WorkspaceID: "ws_1", WorkingDirectory: "/work"})
	require.NoError(t, err)

	fp := &fakeProvider{responses: [][]*schema.Message{
		{
			{Role: schema.Assistant, Content: "subtask done"},
			{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
		},
	}}
	coord := newCoordinator(t, store, fp)

	res, err := coord.Spawn(context.Background(), parent.ID, subagent.SpawnParams{
		Task:      "summarize X",
		AgentName: "general",
		Blocking:  true,
	})

	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "subtask done", res.Output)
	assert.Equal(t, 1, res.TurnsRun)
	assert.NotEmpty(t, res.ChildSessionID)

	assert.Len(t, store.eventsOfType(parent.ID, types.EventSubagentSpawned), 1)
	assert.Len(t, store.eventsOfType(parent.ID, types.EventSubagentCompleted), 1)

	snap, ok := coord.Tracker().Query(res.ChildSessionID)
	require.True(t, ok)
	assert.Equal(t, subagent.StatusCompleted, snap.Status)
}

func TestSpawn_NonBlockingReturnsImmediatelyThenCompletes(t *testing.T) {
	store := newFakeStore()
	parent, err := store.CreateSession(context.Background(), types.Session{WorkspaceID: "ws_1"})
	require.NoError(t, err)

	fp := &fakeProvider{responses: [][]*schema.Message{
		{
			{Role: schema.Assistant, Content: "background result"},
			{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
		},
	}}
	coord := newCoordinator(t, store, fp)

	res, err := coord.Spawn(context.Background(), parent.ID, subagent.SpawnParams{
		Task:      "background work",
		AgentName: "general",
		Blocking:  false,
	})

	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.NotEmpty(t, res.ChildSessionID)

	snap, err := coord.Tracker().WaitFor(context.Background(), res.ChildSessionID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, subagent.StatusCompleted, snap.Status)
	assert.Equal(t, "background result", snap.Output)
}

func TestSpawn_BlockingTimeoutLeavesChildRunningAndReturnsTimeoutResult(t *testing.T) {
	store := newFakeStore()
	parent, err := store.CreateSession(context.Background(), types.Session{WorkspaceID: "ws_1"})
	require.NoError(t, err)

	block := make(chan struct{})
	fp := &blockingProvider{release: block}
	coord := newCoordinatorWithProvider(t, store, fp)

	res, err := coord.Spawn(context.Background(), parent.ID, subagent.SpawnParams{
		Task:      "slow task",
		AgentName: "general",
		Blocking:  true,
		Timeout:   20 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Error(t, res.Err)
	close(block)
}

// blockingProvider never returns from CreateCompletion until release is
// closed, exercising the blocking-spawn timeout path without depending
// on real wall-clock provider latency.
type blockingProvider struct {
	release chan struct{}
}

func (b *blockingProvider) ID() string                           { return "slow" }
func (b *blockingProvider) Name() string                          { return "Slow" }
func (b *blockingProvider) Models() []types.Model                 { return nil }
func (b *blockingProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (b *blockingProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return provider.NewCompletionStream(schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: "late"},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
	})), nil
}

func newCoordinatorWithProvider(t *testing.T, store *fakeStore, prov provider.Provider) *subagent.Coordinator {
	t.Helper()
	providers := provider.NewRegistry(&types.Config{})
	providers.Register(prov)
	reg := tool.NewRegistry(t.TempDir())
	disp := tool.NewDispatcher(reg)
	b := bus.New(store, bus.DefaultConfig())
	agents := agent.NewRegistry()
	return subagent.New(store, b, providers, reg, disp, agents, prov.ID(), "model", subagent.DefaultConfig())
}
