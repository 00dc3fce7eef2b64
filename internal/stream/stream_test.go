package stream_test

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/internal/stream"
	"github.com/relayforge/agentcore/pkg/types"
)

// fakeProvider is an in-process stand-in for a provider.Provider, letting
// the adapter's retry/event-translation logic be tested without a real
// network round trip.
type fakeProvider struct {
	attempts   int
	failTimes  int
	chunks     []*schema.Message
	failAlways bool
}

func (f *fakeProvider) ID() string                             { return "fake" }
func (f *fakeProvider) Name() string                            { return "Fake" }
func (f *fakeProvider) Models() []types.Model                   { return nil }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel   { return nil }

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	f.attempts++
	if f.failAlways || f.attempts <= f.failTimes {
		return nil, &retryableErr{}
	}
	return provider.NewCompletionStream(schema.StreamReaderFromArray(f.chunks)), nil
}

type retryableErr struct{}

func (e *retryableErr) Error() string   { return "rate limited" }
func (e *retryableErr) Timeout() bool   { return true }

func TestStreamTurn_HappyPath(t *testing.T) {
	fp := &fakeProvider{
		chunks: []*schema.Message{
			{Role: schema.Assistant, Content: "hel"},
			{Role: schema.Assistant, Content: "lo"},
			{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
		},
	}
	a := stream.New(fp, stream.DefaultRetryConfig())

	events := drain(t, a, stream.Request{Model: "fake-model"})

	var text string
	var sawDone bool
	for _, e := range events {
		if e.Kind == types.StreamTextDelta {
			text += e.TextDelta
		}
		if e.Kind == types.StreamDone {
			sawDone = true
			require.Equal(t, types.StopEndTurn, e.StopReason)
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, sawDone)
}

func TestStreamTurn_RetriesBeforeFirstByte(t *testing.T) {
	fp := &fakeProvider{
		failTimes: 2,
		chunks: []*schema.Message{
			{Role: schema.Assistant, Content: "ok", ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
		},
	}
	cfg := stream.DefaultRetryConfig()
	cfg.MaxRetries = 3
	a := stream.New(fp, cfg)

	events := drain(t, a, stream.Request{Model: "fake-model"})

	retries := 0
	for _, e := range events {
		if e.Kind == types.StreamRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, fp.attempts)
}

func TestStreamTurn_ExhaustsRetriesAndErrors(t *testing.T) {
	fp := &fakeProvider{failAlways: true}
	cfg := stream.DefaultRetryConfig()
	cfg.MaxRetries = 1
	cfg.InitialInterval = 0
	a := stream.New(fp, cfg)

	events := drain(t, a, stream.Request{Model: "fake-model"})

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.StreamError, last.Kind)
	assert.Error(t, last.Err)
}

func drain(t *testing.T, a *stream.Adapter, req stream.Request) []types.StreamEvent {
	t.Helper()
	ch := a.StreamTurn(context.Background(), req)
	var events []types.StreamEvent
	for e := range ch {
		events = append(events, e)
	}
	return events
}
