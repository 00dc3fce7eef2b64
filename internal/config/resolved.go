package config

import (
	"strings"
	"time"

	"github.com/relayforge/agentcore/internal/composer"
	"github.com/relayforge/agentcore/internal/runtracker"
	"github.com/relayforge/agentcore/internal/sessionmgr"
	"github.com/relayforge/agentcore/pkg/types"
)

// ComposerConfig builds a composer.Config from cfg's resource defaults,
// falling back to composer.DefaultConfig() field-by-field for anything
// left unset.
func ComposerConfig(cfg *types.Config) composer.Config {
	c := composer.DefaultConfig()
	if cfg.CacheTTLMinutes != 0 {
		c.CacheTTL = time.Duration(cfg.CacheTTLMinutes) * time.Minute
	}
	if cfg.CacheRecentTurnKeep != 0 {
		c.PreserveRecentTurns = cfg.CacheRecentTurnKeep
		c.PreserveRecentCount = cfg.CacheRecentTurnKeep
	}
	if cfg.CompactionThreshold != 0 {
		c.CompactionThreshold = cfg.CompactionThreshold
	}
	return c
}

// SessionManagerConfig builds a sessionmgr.Config from cfg, defaulting
// the queue and turn cap from sessionmgr.DefaultConfig(); providerID and
// modelID come from cfg.Model (a "provider/model" string) since the
// Session Manager needs concrete defaults to resolve a session with no
// model of its own.
func SessionManagerConfig(cfg *types.Config) sessionmgr.Config {
	c := sessionmgr.DefaultConfig()
	if cfg.QueueLimit != 0 {
		c.QueueLimit = cfg.QueueLimit
	}
	if cfg.MaxTurnsDefault != 0 {
		c.DefaultMaxTurns = cfg.MaxTurnsDefault
	}
	c.DefaultProviderID, c.DefaultModelID = splitModelSpec(cfg.Model)
	return c
}

// splitModelSpec splits a "provider/model" spec into its two halves.
// A spec with no slash is treated as a bare model ID with no provider.
func splitModelSpec(spec string) (providerID, modelID string) {
	if spec == "" {
		return "", ""
	}
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return "", spec
}

// RunTrackerConfig builds a runtracker.Config from cfg.
func RunTrackerConfig(cfg *types.Config) runtracker.Config {
	c := runtracker.DefaultConfig()
	if cfg.RunRetentionSecs != 0 {
		c.RetentionWindow = time.Duration(cfg.RunRetentionSecs) * time.Second
	}
	return c
}

// SubagentMaxTurns returns the turn cap a spawned child should use when
// its caller doesn't override MaxTurns, reusing the same
// MaxTurnsDefault as the primary run.
func SubagentMaxTurns(cfg *types.Config) int {
	return cfg.MaxTurnsDefault
}
