package subagent

import (
	"context"
	"fmt"

	"github.com/relayforge/agentcore/internal/agent"
	"github.com/relayforge/agentcore/internal/tool"
	"github.com/relayforge/agentcore/pkg/types"
)

// ExecuteSubtask implements tool.TaskExecutor, letting the Task tool
// (internal/tool.TaskTool) drive spawns through the coordinator. The Task
// tool's contract is synchronous, so every call it makes is a blocking
// spawn (spec §4.7's default); non-blocking spawns are reached only by
// calling Spawn directly, not through this executor.
func (c *Coordinator) ExecuteSubtask(ctx context.Context, parentSessionID string, agentName string, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	ag, err := c.agents.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("subagent: unknown agent %s: %w", agentName, err)
	}
	if !ag.IsSubagent() {
		return nil, fmt.Errorf("subagent: agent %s cannot run as a subagent (mode %s)", agentName, ag.Mode)
	}

	res, err := c.Spawn(ctx, parentSessionID, SpawnParams{
		Task:        prompt,
		AgentName:   agentName,
		Model:       resolveModelShorthand(opts.Model, c.defaultProviderID),
		ToolDenials: denialsForAgent(ag),
		Blocking:    true,
	})
	if err != nil {
		return nil, err
	}

	if res.Err != nil {
		if res.TimedOut {
			return &tool.TaskResult{
				Output:    fmt.Sprintf("subtask timed out before completion (session %s is still running)", res.ChildSessionID),
				SessionID: res.ChildSessionID,
				AgentID:   agentName,
				Error:     res.Err.Error(),
			}, nil
		}
		return &tool.TaskResult{
			Output:    fmt.Sprintf("subtask failed: %s", res.Err.Error()),
			SessionID: res.ChildSessionID,
			AgentID:   agentName,
			Error:     res.Err.Error(),
		}, nil
	}

	return &tool.TaskResult{
		Output:    res.Output,
		SessionID: res.ChildSessionID,
		AgentID:   agentName,
		Metadata:  map[string]any{"turnsRun": res.TurnsRun},
	}, nil
}

// resolveModelShorthand maps the Task tool's sonnet/opus/haiku shorthand
// to a concrete "provider/model" string; anything else (already
// "provider/model", a bare model id, or empty) passes through unchanged
// for Coordinator.resolveModel to finish resolving against the defaults.
func resolveModelShorthand(opt, defaultProviderID string) string {
	switch opt {
	case "sonnet":
		return defaultProviderID + "/claude-sonnet-4-20250514"
	case "opus":
		return defaultProviderID + "/claude-opus-4-20250514"
	case "haiku":
		return defaultProviderID + "/claude-haiku-3-20240307"
	default:
		return opt
	}
}

// denialsForAgent turns an agent's tool enablement map into a deny-list,
// adapting the teacher's enabled/disabled split (internal/executor's
// convertToSessionAgent) to this module's ToolDenialConfig vocabulary.
func denialsForAgent(a *agent.Agent) types.ToolDenialConfig {
	var denied []string
	for toolID, enabled := range a.Tools {
		if toolID == "*" {
			continue
		}
		if !enabled {
			denied = append(denied, toolID)
		}
	}
	return types.ToolDenialConfig{Tools: denied}
}
