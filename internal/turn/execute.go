package turn

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/pkg/types"
)

// sideEffectFree lists tools the EXECUTING_TOOLS phase may run
// concurrently because they never mutate the filesystem or session
// state (spec §4.5). Everything else runs sequentially, in the order
// the assistant message declared the calls, since ordering among
// mutations (e.g. write-then-edit the same file) is load-bearing.
var sideEffectFree = map[string]bool{
	"read":     true,
	"glob":     true,
	"grep":     true,
	"list":     true,
	"webfetch": true,
	"todoread": true,
}

// executeTools runs the EXECUTING_TOOLS phase for one turn's tool_use
// blocks, returning a tool-result per call-id keyed on ToolCallID, and
// whether any result requested stopTurn. A non-nil error means
// execution was aborted (ctx canceled) rather than a tool itself
// failing — tool failures are carried as IsError results, per C6.
func (o *Orchestrator) executeTools(ctx context.Context, req Request, calls []types.ToolUseBlock) (map[string]types.ToolResultBlock, bool, error) {
	results := make(map[string]types.ToolResultBlock, len(calls))
	if len(calls) == 0 {
		return results, false, nil
	}

	var mu sync.Mutex
	var stopTurn bool
	record := func(id string, r types.ToolResultBlock, stop bool) {
		mu.Lock()
		defer mu.Unlock()
		results[id] = r
		if stop {
			stopTurn = true
		}
	}

	var concurrent, sequential []types.ToolUseBlock
	for _, c := range calls {
		if sideEffectFree[c.ToolName] {
			concurrent = append(concurrent, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	if len(concurrent) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, call := range concurrent {
			call := call
			g.Go(func() error {
				r, stop, err := o.dispatchOne(gctx, req, call)
				if err != nil {
					return err
				}
				record(call.ToolCallID, r, stop)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, stopTurn, err
		}
	}

	for _, call := range sequential {
		if ctx.Err() != nil {
			return results, stopTurn, ctx.Err()
		}
		r, stop, err := o.dispatchOne(ctx, req, call)
		if err != nil {
			return results, stopTurn, err
		}
		record(call.ToolCallID, r, stop)
	}

	return results, stopTurn, nil
}

// publishFileEdited returns a tool.Context.OnFileEdited callback that fans
// a file write/edit out onto the bus as an ephemeral notification, or nil
// if this orchestrator has no bus (e.g. in tests).
func (o *Orchestrator) publishFileEdited(sessionID string) func(string) {
	if o.bus == nil {
		return nil
	}
	return func(path string) {
		o.bus.Publish(bus.Envelope{
			Type:      "file.edited",
			SessionID: sessionID,
			Data:      map[string]string{"file": path},
		})
	}
}

// dispatchOne invokes C6 for a single tool_use block and turns its
// Outcome into a tool-result content block. needsRetry outcomes are
// surfaced as an error-bearing result so the model sees the validation
// feedback and is expected to re-call with corrections (spec §4.6); this
// does not abort the turn.
func (o *Orchestrator) dispatchOne(ctx context.Context, req Request, call types.ToolUseBlock) (types.ToolResultBlock, bool, error) {
	outcome, err := o.dispatcher.Dispatch(ctx, tool.Call{
		ID:    call.ToolCallID,
		Name:  call.ToolName,
		Input: call.Input,
		Ctx: tool.Context{
			SessionID:    req.SessionID,
			CallID:       call.ToolCallID,
			Agent:        req.Agent,
			WorkDir:      "",
			AbortCh:      ctx.Done(),
			OnFileEdited: o.publishFileEdited(req.SessionID),
		},
	}, req.ToolDenials)
	if err != nil {
		if ctx.Err() != nil {
			return types.ToolResultBlock{}, false, ctx.Err()
		}
		return types.ToolResultBlock{ToolCallID: call.ToolCallID, Content: err.Error(), IsError: true}, false, nil
	}

	content := ""
	if outcome.Result != nil {
		content = outcome.Result.Output
	}
	return types.ToolResultBlock{
		ToolCallID: call.ToolCallID,
		Content:    content,
		IsError:    outcome.IsError || outcome.NeedsRetry,
	}, outcome.StopTurn, nil
}
