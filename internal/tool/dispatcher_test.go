package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

func newTestDispatcher(tools ...Tool) *Dispatcher {
	r := NewRegistry("/tmp")
	for _, t := range tools {
		r.Register(t)
	}
	return NewDispatcher(r)
}

func echoTool(id string, fn func(json.RawMessage) (*Result, error)) Tool {
	return NewBaseTool(id, "echo", json.RawMessage(`{"type":"object"}`), func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
		return fn(input)
	})
}

func TestDispatch_DenyAllBlocksEveryTool(t *testing.T) {
	d := newTestDispatcher(echoTool("read", func(json.RawMessage) (*Result, error) {
		return &Result{Output: "ok"}, nil
	}))

	out, err := d.Dispatch(context.Background(), Call{Name: "read", ID: "tc_1"}, types.ToolDenialConfig{DenyAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError || !apierr.Is(out.Result.Error, apierr.CodeToolDenied) {
		t.Fatalf("expected TOOL_DENIED, got %+v", out)
	}
}

func TestDispatch_ToolsDenyList(t *testing.T) {
	d := newTestDispatcher(echoTool("bash", func(json.RawMessage) (*Result, error) {
		return &Result{Output: "ok"}, nil
	}))

	out, err := d.Dispatch(context.Background(), Call{Name: "bash", ID: "tc_1"}, types.ToolDenialConfig{Tools: []string{"bash"}})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError || !apierr.Is(out.Result.Error, apierr.CodeToolDenied) {
		t.Fatalf("expected TOOL_DENIED, got %+v", out)
	}
}

func TestDispatch_ParameterPatternRule(t *testing.T) {
	d := newTestDispatcher(echoTool("bash", func(json.RawMessage) (*Result, error) {
		return &Result{Output: "ok"}, nil
	}))

	cfg := types.ToolDenialConfig{Rules: []types.DenyRule{
		{
			Tool:    "bash",
			Message: "rm -rf is not allowed",
			DenyPatterns: []types.ParamDenyPattern{
				{Parameter: "command", Patterns: []string{`rm\s+-rf`}},
			},
		},
	}}

	blocked, err := d.Dispatch(context.Background(), Call{Name: "bash", ID: "tc_1", Input: json.RawMessage(`{"command":"rm -rf /"}`)}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked.IsError || blocked.Result.Output != "rm -rf is not allowed" {
		t.Fatalf("expected rule denial, got %+v", blocked)
	}

	allowed, err := d.Dispatch(context.Background(), Call{Name: "bash", ID: "tc_2", Input: json.RawMessage(`{"command":"ls"}`)}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if allowed.IsError {
		t.Fatalf("expected non-matching command to be allowed, got %+v", allowed)
	}
}

func TestDispatch_UnknownToolSuggestsClosestName(t *testing.T) {
	d := newTestDispatcher(echoTool("grep", func(json.RawMessage) (*Result, error) {
		return &Result{Output: "ok"}, nil
	}))

	out, err := d.Dispatch(context.Background(), Call{Name: "greb", ID: "tc_1"}, types.ToolDenialConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError || !apierr.Is(out.Result.Error, apierr.CodeNotAvailable) {
		t.Fatalf("expected NOT_AVAILABLE, got %+v", out)
	}
	if want := `did you mean "grep"?`; !strings.Contains(out.Result.Output, want) {
		t.Fatalf("expected suggestion %q in %q", want, out.Result.Output)
	}
}

func TestDispatch_ValidationRetryBoundedAtMax(t *testing.T) {
	calls := 0
	d := newTestDispatcher(echoTool("edit", func(json.RawMessage) (*Result, error) {
		calls++
		return &Result{Output: "bad patch", Metadata: map[string]any{"needsRetry": true}}, nil
	}))

	var last *Outcome
	for i := 0; i < maxValidationRetries+1; i++ {
		out, err := d.Dispatch(context.Background(), Call{Name: "edit", ID: "tc_fixed"}, types.ToolDenialConfig{})
		if err != nil {
			t.Fatal(err)
		}
		last = out
	}

	if last.NeedsRetry {
		t.Fatalf("expected terminal error after exceeding max retries, got %+v", last)
	}
	if !last.IsError || !apierr.Is(last.Result.Error, apierr.CodeInvalidParams) {
		t.Fatalf("expected INVALID_PARAMS terminal error, got %+v", last)
	}
	if calls != maxValidationRetries+1 {
		t.Fatalf("expected tool invoked %d times, got %d", maxValidationRetries+1, calls)
	}
}
