package composer_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/store"
	"github.com/relayforge/agentcore/pkg/types"

	_ "github.com/relayforge/agentcore/internal/sqlitedriver"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), filepath.Join(dir, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendMessage(t *testing.T, s *store.Store, sessionID string, typ types.EventType, text string) types.Event {
	t.Helper()
	ev, err := s.Append(context.Background(), types.EventInput{
		SessionID: sessionID,
		Type:      typ,
		Payload: types.MessagePayload{
			Blocks: []types.ContentBlock{types.TextBlock{Text: text}},
		},
	})
	require.NoError(t, err)
	return ev
}

func newTestSession(t *testing.T, s *store.Store) types.Session {
	t.Helper()
	ws, err := s.CreateWorkspace(context.Background(), "/tmp/project")
	require.NoError(t, err)
	ses, err := s.CreateSession(context.Background(), types.Session{WorkspaceID: ws.ID, WorkingDirectory: "/tmp/project"})
	require.NoError(t, err)
	return ses
}

func TestCompose_ReplaysUserAndAssistantMessages(t *testing.T) {
	s := openTestStore(t)
	ses := newTestSession(t, s)

	appendMessage(t, s, ses.ID, types.EventMessageUser, "hello there")
	appendMessage(t, s, ses.ID, types.EventMessageAssistant, "hi, how can I help")

	c := composer.New(s, composer.DefaultConfig())
	composed, err := c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)
	require.Len(t, composed.Messages, 2)
	require.Equal(t, "user", composed.Messages[0].Role)
	require.Equal(t, "assistant", composed.Messages[1].Role)
}

func TestCompose_SkipsDeletedMessages(t *testing.T) {
	s := openTestStore(t)
	ses := newTestSession(t, s)

	target := appendMessage(t, s, ses.ID, types.EventMessageUser, "delete me")
	appendMessage(t, s, ses.ID, types.EventMessageAssistant, "kept")
	_, err := s.DeleteMessage(context.Background(), ses.ID, target.ID, "user requested")
	require.NoError(t, err)

	c := composer.New(s, composer.DefaultConfig())
	composed, err := c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)
	require.Len(t, composed.Messages, 1)
	require.Equal(t, "assistant", composed.Messages[0].Role)
}

func TestContextClear_TruncatesSubsequentCompose(t *testing.T) {
	s := openTestStore(t)
	ses := newTestSession(t, s)

	appendMessage(t, s, ses.ID, types.EventMessageUser, "before the clear")
	appendMessage(t, s, ses.ID, types.EventMessageAssistant, "also before")

	c := composer.New(s, composer.DefaultConfig())
	composed, err := c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)

	_, err = c.ContextClear(context.Background(), s, ses.ID, composed, "manual")
	require.NoError(t, err)

	appendMessage(t, s, ses.ID, types.EventMessageUser, "after the clear")

	composed, err = c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)
	require.Len(t, composed.Messages, 1)
	require.Equal(t, "after the clear", composed.Messages[0].Blocks[0].(types.TextBlock).Text)
}

func TestCompact_PreservesRecentTurnsAndSummarizesRest(t *testing.T) {
	s := openTestStore(t)
	ses := newTestSession(t, s)

	for i := 0; i < 6; i++ {
		appendMessage(t, s, ses.ID, types.EventMessageUser, "request about widgets. more detail follows")
		appendMessage(t, s, ses.ID, types.EventMessageAssistant, "response about widgets")
	}

	cfg := composer.DefaultConfig()
	cfg.PreserveRecentCount = 2
	c := composer.New(s, cfg)

	composed, err := c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)

	_, summaryEvt, err := c.Compact(context.Background(), s, ses.ID, composed)
	require.NoError(t, err)
	require.Equal(t, types.EventCompactSummary, summaryEvt.Type)

	composed, err = c.Compose(context.Background(), ses.ID)
	require.NoError(t, err)
	// boundary truncates the view: only the digest pair remains after
	// compaction (earlier turns become part of the summary, not replayed).
	require.Len(t, composed.Messages, 2)
	require.Equal(t, "assistant", composed.Messages[1].Role)
}
