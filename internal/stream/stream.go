// Package stream implements the Provider Stream Adapter (C4): turning a
// provider's native streaming completion into the closed StreamEvent
// vocabulary, with retry-before-first-byte semantics, abort handling, and
// stop-reason/tool-call-id normalization.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relayforge/agentcore/internal/provider"
	"github.com/relayforge/agentcore/pkg/types"
)

// Request is a normalized turn request handed to the adapter.
type Request struct {
	Model       string
	Messages    []provider.CompositorMessage
	Tools       []provider.ToolInfo
	MaxTokens   int
	Temperature float64
}

// RetryConfig tunes retry-before-first-byte behavior.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	JitterFraction  float64
	EmitRetryEvent  bool
}

// DefaultRetryConfig matches the spec's stated defaults: a handful of
// retries with standard exponential backoff and jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		JitterFraction:  0.2,
		EmitRetryEvent:  true,
	}
}

// Adapter streams a single provider's turns as types.StreamEvent sequences.
type Adapter struct {
	prov   provider.Provider
	retry  RetryConfig
	remap  *toolCallIDRemapper
}

// New constructs an Adapter over a concrete provider.Provider.
func New(prov provider.Provider, retry RetryConfig) *Adapter {
	return &Adapter{prov: prov, retry: retry, remap: newToolCallIDRemapper()}
}

// StreamTurn returns a channel of StreamEvents for req. The channel is
// closed once a terminal "done" or "error" event has been sent, or ctx is
// canceled. The sequence is single-consumer and not restartable, per
// spec §4.4.
func (a *Adapter) StreamTurn(ctx context.Context, req Request) <-chan types.StreamEvent {
	out := make(chan types.StreamEvent, 16)
	go a.run(ctx, req, out)
	return out
}

func (a *Adapter) run(ctx context.Context, req Request, out chan<- types.StreamEvent) {
	defer close(out)

	if ctx.Err() != nil {
		out <- errorEvent(fmt.Errorf("cancelled: %w", ctx.Err()))
		return
	}

	einoReq := &provider.CompletionRequest{
		Model:       req.Model,
		Messages:    provider.ConvertToEinoMessages(req.Messages),
		Tools:       provider.ConvertToEinoTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	completionStream, err := a.streamWithRetry(ctx, einoReq, out)
	if err != nil {
		out <- errorEvent(err)
		return
	}
	defer completionStream.Close()

	out <- types.StreamEvent{Kind: types.StreamStart}
	a.consume(ctx, completionStream, out)
}

// streamWithRetry implements retry-before-first-byte: only the initial
// call to establish the stream is retried: once CreateCompletion
// succeeds, the byte stream itself is consumed without further retry.
func (a *Adapter) streamWithRetry(ctx context.Context, req *provider.CompletionRequest, out chan<- types.StreamEvent) (*provider.CompletionStream, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retry.InitialInterval
	b.MaxInterval = a.retry.MaxInterval
	b.RandomizationFactor = a.retry.JitterFraction
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		cs, err := a.prov.CreateCompletion(ctx, req)
		if err == nil {
			return cs, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == a.retry.MaxRetries {
			return nil, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil, err
		}
		if a.retry.EmitRetryEvent {
			out <- types.StreamEvent{
				Kind:            types.StreamRetry,
				RetryAttempt:    attempt + 1,
				RetryMaxRetries: a.retry.MaxRetries,
				RetryDelayMs:    int(delay / time.Millisecond),
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// consume drains the provider's completion stream, translating Eino
// message chunks into the StreamEvent vocabulary. Once any chunk has been
// forwarded, errors from Recv propagate immediately — no partial retry.
func (a *Adapter) consume(ctx context.Context, cs *provider.CompletionStream, out chan<- types.StreamEvent) {
	var textBuf, thinkingBuf string
	var blocks []types.ContentBlock
	var usage types.ProviderUsage
	var nativeStop string
	textOpen, thinkingOpen := false, false
	toolArgs := map[string]string{}
	toolNames := map[string]string{}
	var toolOrder []string

	flushText := func() {
		if textOpen {
			out <- types.StreamEvent{Kind: types.StreamTextEnd, TextFinal: textBuf}
			blocks = append(blocks, types.TextBlock{Text: textBuf})
			textOpen = false
		}
	}
	flushThinking := func() {
		if thinkingOpen {
			out <- types.StreamEvent{Kind: types.StreamThinkingEnd, ThinkingFinal: thinkingBuf}
			blocks = append(blocks, types.ThinkingBlock{Text: thinkingBuf})
			thinkingOpen = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushText()
			flushThinking()
			out <- errorEvent(fmt.Errorf("cancelled: %w", ctx.Err()))
			return
		default:
		}

		msg, err := cs.Recv()
		if err != nil {
			flushText()
			flushThinking()
			if errors.Is(err, io.EOF) {
				break
			}
			out <- errorEvent(err)
			return
		}
		if msg == nil {
			break
		}

		if msg.Content != "" {
			if !textOpen {
				out <- types.StreamEvent{Kind: types.StreamTextStart}
				textOpen = true
			}
			out <- types.StreamEvent{Kind: types.StreamTextDelta, TextDelta: msg.Content}
			textBuf += msg.Content
		}
		for _, tc := range msg.ToolCalls {
			id := a.remap.normalizeIncoming(tc.ID)
			if _, seen := toolNames[id]; !seen {
				toolOrder = append(toolOrder, id)
				out <- types.StreamEvent{Kind: types.StreamToolCallStart, ToolCallID: id, ToolCallName: tc.Function.Name}
			}
			toolNames[id] = tc.Function.Name
			toolArgs[id] += tc.Function.Arguments
			out <- types.StreamEvent{Kind: types.StreamToolCallDelta, ToolCallID: id, ToolCallArgumentsDelta: tc.Function.Arguments}
		}
		if msg.ResponseMeta != nil {
			nativeStop = msg.ResponseMeta.FinishReason
			if msg.ResponseMeta.Usage != nil {
				usage = types.ProviderUsage{
					InputTokens:  msg.ResponseMeta.Usage.PromptTokens,
					OutputTokens: msg.ResponseMeta.Usage.CompletionTokens,
				}
			}
		}
	}

	flushText()
	flushThinking()
	for _, id := range toolOrder {
		tu := types.ToolUseBlock{ToolCallID: id, ToolName: toolNames[id], Input: []byte(toolArgs[id])}
		blocks = append(blocks, tu)
		out <- types.StreamEvent{Kind: types.StreamToolCallEnd, ToolCallID: id, ToolCall: &tu}
	}

	stop := types.NormalizeStopReason(nativeStop)
	out <- types.StreamEvent{
		Kind:        types.StreamDone,
		DoneMessage: &types.AssistantMessage{Blocks: blocks, Usage: usage},
		StopReason:  stop,
	}
}

func errorEvent(err error) types.StreamEvent {
	return types.StreamEvent{Kind: types.StreamError, Err: err}
}

// isRetryable reports whether err belongs to the spec's retryable
// category: rate limiting, transient network failure, 5xx, or stream
// interruption. Auth failures and other 4xx are not retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}
