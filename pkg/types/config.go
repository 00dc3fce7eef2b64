package types

// Config is the layered configuration document: global config directory,
// then the workspace's .agentcore directory, then environment variables
// (see internal/config.Load), each overriding the last.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Username string `json:"username,omitempty"`

	Model      string `json:"model,omitempty"`
	SmallModel string `json:"small_model,omitempty"`

	Tools map[string]bool `json:"tools,omitempty"`

	Instructions    []string          `json:"instructions,omitempty"`
	PromptVariables map[string]string `json:"promptVariables,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`
	Agent    map[string]AgentConfig    `json:"agent,omitempty"`

	Permission *PermissionConfig `json:"permission,omitempty"`

	Experimental *ExperimentalConfig `json:"experimental,omitempty"`

	// Turn/session resource defaults (spec §4.5, §4.9, §4.11).
	MaxTurnsDefault      int     `json:"maxTurnsDefault,omitempty"`
	CompactionThreshold  float64 `json:"compactionThreshold,omitempty"`
	CacheTTLMinutes      int     `json:"cacheTtlMinutes,omitempty"`
	CacheRecentTurnKeep  int     `json:"cacheRecentTurnKeep,omitempty"`
	QueueLimit           int     `json:"queueLimit,omitempty"`
	RunRetentionSecs     int     `json:"runRetentionSecs,omitempty"`
	BlobOffloadBytes     int64   `json:"blobOffloadBytes,omitempty"`
}

// ProviderConfig holds configuration for a specific provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
	Model   string `json:"model,omitempty"`

	// Npm names the npm package this provider's model API is compatible
	// with (e.g. "@ai-sdk/anthropic"), used to select the matching Go
	// provider implementation when the provider name itself isn't
	// recognized.
	Npm string `json:"npm,omitempty"`

	Options *ProviderOptions `json:"options,omitempty"`

	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// ProviderOptions holds nested provider options.
type ProviderOptions struct {
	APIKey        string `json:"apiKey,omitempty"`
	BaseURL       string `json:"baseURL,omitempty"`
	EnterpriseURL string `json:"enterpriseUrl,omitempty"`
	Timeout       *int   `json:"timeout,omitempty"` // ms, nil = default, 0 = disabled
}

// AgentConfig holds configuration for an agent persona. The same shape
// serves both the primary agent and a subagent spawned per C7: Mode
// distinguishes them and PermissionConfig/Tools bound what a spawned
// child can do.
type AgentConfig struct {
	Model string `json:"model,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	Tools map[string]bool `json:"tools,omitempty"`

	Permission *PermissionConfig `json:"permission,omitempty"`

	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"` // "subagent"|"primary"|"all"
	Color       string `json:"color,omitempty"`

	MaxSteps int `json:"maxSteps,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// PermissionConfig holds permission settings. These compose with a
// ToolDenialConfig built at dispatch time; see internal/tool.
type PermissionConfig struct {
	Edit        string      `json:"edit,omitempty"` // "allow"|"deny"|"ask"
	Bash        interface{} `json:"bash,omitempty"` // string or map[string]string
	WebFetch    string      `json:"webfetch,omitempty"`
	ExternalDir string      `json:"external_directory,omitempty"`
	DoomLoop    string      `json:"doom_loop,omitempty"`
}

// ExperimentalConfig holds experimental feature flags.
type ExperimentalConfig struct {
	BatchTool bool `json:"batch_tool,omitempty"`
}

// Model represents an LLM model available from a provider, including the
// token-calculation method the Provider Stream Adapter must use to
// normalize its usage reports (spec §4.2).
type Model struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	ProviderID        string          `json:"providerID"`
	ContextLength     int             `json:"contextLength"`
	MaxOutputTokens   int             `json:"maxOutputTokens,omitempty"`
	SupportsTools     bool            `json:"supportsTools"`
	SupportsVision    bool            `json:"supportsVision"`
	SupportsReasoning bool            `json:"supportsReasoning,omitempty"`
	InputPrice        float64         `json:"inputPrice,omitempty"`
	OutputPrice       float64         `json:"outputPrice,omitempty"`
	CalcMethod        TokenCalcMethod `json:"calcMethod"`
	Options           ModelOptions    `json:"options,omitempty"`
}

// ModelOptions contains model-specific generation options.
type ModelOptions struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"topP,omitempty"`
	PromptCaching  bool     `json:"promptCaching,omitempty"`
	ExtendedOutput bool     `json:"extendedOutput,omitempty"`
}
