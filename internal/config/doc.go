// Package config provides configuration loading, merging, and path management for agentcore.
//
// This package handles the complex configuration system that supports multiple sources
// and formats, with a hierarchical loading strategy that ensures proper precedence
// and layered overrides from environment variables.
//
// # Configuration Loading
//
// The Load function reads configuration from these sources, in order, each
// layer overriding the one before it:
//
//  1. Global config: agentcore.json, then agentcore.jsonc, in the XDG config
//     directory (~/.config/agentcore/)
//  2. Project config: .agentcore/agentcore.json, then .agentcore/agentcore.jsonc,
//     under the directory passed to Load
//  3. Environment variables
//
// A file that is missing or fails to parse is skipped. Load looks only in the
// directory it is given (it does not walk up parent directories), does not read
// a ~/.agentcore directory, and does not read AGENTCORE_CONFIG or
// AGENTCORE_CONFIG_CONTENT.
//
// # Supported Formats
//
// agentcore.json and agentcore.jsonc are read the same way: // line comments and
// /* */ block comments are removed with regular expressions, then the rest is
// decoded with encoding/json. A // counts as a comment when it starts a line or
// follows whitespace, so "https://..." values survive; the patterns do not track
// string boundaries, so a " //" or "/*" inside a string value is cut as well.
//
// Values are used as written: {env:VAR} and {file:path} placeholders are not
// expanded.
//
// # Configuration Merging
//
// Each layer is merged into the result field by field:
//   - Model, SmallModel, $schema and username are replaced when the layer sets them
//   - Provider and Agent entries are merged by key; an entry replaces the whole
//     entry of the same key from an earlier layer
//   - Instructions, Permission and Experimental are replaced as a whole
//   - The turn/session resource defaults are replaced when non-zero
//
// The tools and promptVariables fields of a file are not carried into the result.
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/agentcore (XDG_DATA_HOME)
//   - Config: ~/.config/agentcore (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/agentcore (XDG_CACHE_HOME)
//   - State: ~/.local/state/agentcore (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Environment variables are applied after all files:
//   - AGENTCORE_MODEL - Override the default model
//   - AGENTCORE_SMALL_MODEL - Override the small model
//   - AGENTCORE_MAX_TURNS - Override the default turn cap
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_ACCESS_KEY_ID - Set
//     the apiKey of the anthropic, openai, google and bedrock provider entries
//     when that apiKey is empty
//
// # Usage Example
//
//	// Load configuration from the current directory
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(cfg, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config