package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/relayforge/agentcore/pkg/apierr"
	"github.com/relayforge/agentcore/pkg/types"
)

// Call is one assistant-issued tool invocation the dispatcher resolves and
// runs.
type Call struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Ctx    Context
}

// Outcome is the dispatcher's verdict for one Call: exactly the shape C5
// needs to decide whether to persist a terminal tool.result, loop back to
// COMPOSING for a validation retry, or stop the turn outright.
type Outcome struct {
	Result      *Result
	IsError     bool
	StopTurn    bool
	NeedsRetry  bool
	RetryCount  int
}

// maxValidationRetries bounds the validation-retry protocol per spec §4.6.
const maxValidationRetries = 3

// Dispatcher resolves tool calls against a Registry, enforcing a per-call
// ToolDenialConfig and the validation-retry protocol.
type Dispatcher struct {
	registry *Registry
	retries  map[string]int // toolCallID -> attempts so far
}

// NewDispatcher constructs a Dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry, retries: make(map[string]int)}
}

// Dispatch resolves and (if permitted) executes call. Denial precedence is
// denyAll, then the tools deny-list, then parameter-pattern rules, per
// spec §4.6.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, denials types.ToolDenialConfig) (*Outcome, error) {
	if denied, msg := checkDenial(call, denials); denied {
		return &Outcome{
			IsError: true,
			Result: &Result{
				Title:  call.Name,
				Output: msg,
				Error:  apierr.New(apierr.CodeToolDenied, msg),
			},
		}, nil
	}

	t, ok := d.registry.Get(call.Name)
	if !ok {
		msg := notAvailableMessage(call.Name, d.registry.IDs())
		return &Outcome{
			IsError: true,
			Result: &Result{
				Title:  call.Name,
				Output: msg,
				Error:  apierr.New(apierr.CodeNotAvailable, msg),
			},
		}, nil
	}

	res, err := t.Execute(ctx, call.Input, &call.Ctx)
	if err != nil {
		return &Outcome{
			IsError: true,
			Result: &Result{
				Title:  call.Name,
				Output: err.Error(),
				Error:  err,
			},
		}, nil
	}

	needsRetry, _ := res.Metadata["needsRetry"].(bool)
	stopTurn, _ := res.Metadata["stopTurn"].(bool)

	if needsRetry {
		attempts := d.retries[call.ID] + 1
		d.retries[call.ID] = attempts
		if attempts > maxValidationRetries {
			delete(d.retries, call.ID)
			return &Outcome{
				IsError: true,
				Result: &Result{
					Title:  call.Name,
					Output: fmt.Sprintf("validation failed after %d retries: %s", maxValidationRetries, res.Output),
					Error:  apierr.New(apierr.CodeInvalidParams, "validation retry limit exceeded"),
				},
			}, nil
		}
		return &Outcome{Result: res, NeedsRetry: true, RetryCount: attempts}, nil
	}
	delete(d.retries, call.ID)

	return &Outcome{Result: res, IsError: res.Error != nil, StopTurn: stopTurn}, nil
}

// checkDenial applies denyAll > tools deny-list > parameter-pattern rules,
// in that order, short-circuiting at the first applicable mode.
func checkDenial(call Call, cfg types.ToolDenialConfig) (bool, string) {
	if cfg.DenyAll {
		return true, "tool calls are disabled for this turn"
	}
	for _, name := range cfg.Tools {
		if name == call.Name {
			return true, fmt.Sprintf("tool %q is denied for this session", call.Name)
		}
	}
	for _, rule := range cfg.Rules {
		if rule.Tool != call.Name {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal(call.Input, &args); err != nil {
			continue
		}
		for _, dp := range rule.DenyPatterns {
			val, ok := args[dp.Parameter]
			if !ok {
				continue
			}
			str := fmt.Sprintf("%v", val)
			for _, pat := range dp.Patterns {
				re, err := regexp.Compile(pat)
				if err != nil {
					continue
				}
				if re.MatchString(str) {
					msg := rule.Message
					if msg == "" {
						msg = fmt.Sprintf("parameter %q of %q matches a denied pattern", dp.Parameter, call.Name)
					}
					return true, msg
				}
			}
		}
	}
	return false, ""
}

// notAvailableMessage builds a NOT_AVAILABLE message, suggesting the
// closest registered tool name by Levenshtein distance when one is close
// enough to plausibly be a typo.
func notAvailableMessage(name string, known []string) string {
	msg := fmt.Sprintf("tool %q is not available", name)
	suggestion, dist := closestName(name, known)
	if suggestion != "" && dist <= 3 {
		msg += fmt.Sprintf(" — did you mean %q?", suggestion)
	}
	return msg
}

func closestName(name string, known []string) (string, int) {
	sort.Strings(known) // deterministic tie-break
	best := ""
	bestDist := -1
	for _, k := range known {
		dist := levenshtein.ComputeDistance(name, k)
		if bestDist == -1 || dist < bestDist {
			best, bestDist = k, dist
		}
	}
	return best, bestDist
}
