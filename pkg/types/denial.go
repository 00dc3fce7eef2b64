package types

// ToolDenialConfig is a per-call description of which tools, and which
// parameter patterns, are forbidden. Modes apply in precedence order:
// DenyAll, then Tools, then Rules.
type ToolDenialConfig struct {
	// DenyAll, if true, makes no tool callable — the agent is forced to
	// text-only output. This is final: it does not compose with Tools or
	// Rules (see spec §9 open question on denyAll vs. a separate
	// text-only flag; we keep DenyAll as the single, final mode).
	DenyAll bool `json:"denyAll,omitempty"`

	// Tools is a deny-list of tool names.
	Tools []string `json:"tools,omitempty"`

	// Rules deny a call when a named parameter's stringified value
	// matches any of its regex patterns.
	Rules []DenyRule `json:"rules,omitempty"`
}

// DenyRule is one parameter-pattern denial rule.
type DenyRule struct {
	Tool          string           `json:"tool"`
	DenyPatterns  []ParamDenyPattern `json:"denyPatterns"`
	Message       string           `json:"message"`
}

// ParamDenyPattern names a parameter and the regexes that block it.
type ParamDenyPattern struct {
	Parameter string   `json:"parameter"`
	Patterns  []string `json:"patterns"`
}

// subagentToolDenials are always inherited by subagents regardless of the
// parent's configured denials: a subagent can never itself spawn further
// subagents.
var subagentToolDenials = []string{"SpawnSubagent", "QueryAgent", "WaitForAgents"}

// WithSubagentDenials returns a copy of cfg with the subagent-spawning
// tools added to the deny-list, unless DenyAll is already set (in which
// case every tool is already denied).
func (cfg ToolDenialConfig) WithSubagentDenials() ToolDenialConfig {
	if cfg.DenyAll {
		return cfg
	}
	out := cfg
	out.Tools = append(append([]string{}, cfg.Tools...), subagentToolDenials...)
	return out
}
