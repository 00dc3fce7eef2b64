package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/relayforge/agentcore/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentcore/)
// 2. Project config (.agentcore/)
// 3. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "agentcore.json"), config)
	loadConfigFile(filepath.Join(globalPath, "agentcore.jsonc"), config)

	// 2. Project config
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".agentcore", "agentcore.json"), config)
		loadConfigFile(filepath.Join(directory, ".agentcore", "agentcore.jsonc"), config)
	}

	// 3. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments if needed
	data = stripJSONComments(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// stripJSONComments removes // and /* */ comments from JSONC. A // starts a
// comment only at the start of a line or after whitespace, so values such as
// "https://..." survive; the patterns do not track string boundaries.
func stripJSONComments(data []byte) []byte {
	// Remove single-line comments
	singleLine := regexp.MustCompile(`(^|\s)//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	// Remove multi-line comments
	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	data = multiLine.ReplaceAll(data, nil)

	return data
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	// Merge agents
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Instructions != nil {
		target.Instructions = source.Instructions
	}
	if source.Permission != nil {
		target.Permission = source.Permission
	}

	// Merge experimental config
	if source.Experimental != nil {
		target.Experimental = source.Experimental
	}

	// Merge turn/session resource defaults (spec §4.5, §4.9, §4.11);
	// zero means "not set in this layer", so a later layer only
	// overrides what it actually specifies.
	if source.MaxTurnsDefault != 0 {
		target.MaxTurnsDefault = source.MaxTurnsDefault
	}
	if source.CompactionThreshold != 0 {
		target.CompactionThreshold = source.CompactionThreshold
	}
	if source.CacheTTLMinutes != 0 {
		target.CacheTTLMinutes = source.CacheTTLMinutes
	}
	if source.CacheRecentTurnKeep != 0 {
		target.CacheRecentTurnKeep = source.CacheRecentTurnKeep
	}
	if source.QueueLimit != 0 {
		target.QueueLimit = source.QueueLimit
	}
	if source.RunRetentionSecs != 0 {
		target.RunRetentionSecs = source.RunRetentionSecs
	}
	if source.BlobOffloadBytes != 0 {
		target.BlobOffloadBytes = source.BlobOffloadBytes
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	// Model override
	if model := os.Getenv("AGENTCORE_MODEL"); model != "" {
		config.Model = model
	}

	// Small model override
	if smallModel := os.Getenv("AGENTCORE_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}

	// Turn cap override
	if maxTurns := os.Getenv("AGENTCORE_MAX_TURNS"); maxTurns != "" {
		if n, err := strconv.Atoi(maxTurns); err == nil {
			config.MaxTurnsDefault = n
		}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
