// Package tokens normalizes a provider's raw per-response usage report
// into an immutable types.TokenRecord (C2).
package tokens

import (
	"time"

	"github.com/relayforge/agentcore/pkg/types"
)

// Normalize builds the frozen types.TokenRecord for one turn. previousBaseline
// is the session's context-window baseline before this turn (0 on a
// session's first turn).
func Normalize(
	method types.TokenCalcMethod,
	usage types.ProviderUsage,
	previousBaseline int,
	turn int,
	sessionID string,
	extractedAt time.Time,
) types.TokenRecord {
	source := types.TokenSource{
		RawInputTokens:         usage.InputTokens,
		RawOutputTokens:        usage.OutputTokens,
		RawCacheReadTokens:     usage.CacheReadTokens,
		RawCacheCreationTokens: usage.CacheCreationTokens,
	}

	var contextWindow int
	switch method {
	case types.TokenCalcAnthropicCacheAware:
		contextWindow = usage.InputTokens + usage.CacheReadTokens + usage.CacheCreationTokens
	default: // types.TokenCalcDirect
		contextWindow = usage.InputTokens
	}

	newInput := contextWindow - previousBaseline
	if newInput < 0 {
		newInput = 0
	}

	computed := types.TokenComputed{
		ContextWindowTokens:     contextWindow,
		NewInputTokens:          newInput,
		PreviousContextBaseline: previousBaseline,
		CalculationMethod:       method,
	}

	meta := types.TokenMeta{
		Turn:         turn,
		SessionID:    sessionID,
		ExtractedAt:  extractedAt,
		NormalizedAt: time.Now(),
	}

	return types.NewTokenRecord(source, computed, meta)
}
