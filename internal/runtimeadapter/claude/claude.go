// Package claude provides the claude-style Runtime variant (spec §4.3):
// it spawns the per-step subprocess the same way every variant does, but
// validates the configured model name and decodes exact token usage
// against github.com/anthropics/anthropic-sdk-go's types, matching that
// model provider's debug-metadata shape.
package claude

import (
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
)

// DefaultAllowedModels seeds model validation with the Anthropic SDK's
// current default model identifier; callers typically extend this with
// whatever additional sdk.Model constants their deployment allows.
var DefaultAllowedModels = AllowedModels{
	sdk.ModelClaudeSonnet4_5_20250929: true,
}

// AllowedModels restricts model validation to a configured set of
// sdk.Model identifiers, catching a misconfigured model name before a
// subprocess is ever spawned.
type AllowedModels map[sdk.Model]bool

type usageJSON struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func decodeUsage(raw json.RawMessage) (runtimeadapter.Usage, error) {
	var u usageJSON
	if err := json.Unmarshal(raw, &u); err != nil {
		return runtimeadapter.Usage{}, err
	}
	return runtimeadapter.Usage{
		InputTokens:  u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
	}, nil
}

// New constructs the claude-style Runtime. executable is the CLI binary
// this variant spawns per step (e.g. "claude-agent").
func New(executable string) runtimeadapter.Runtime {
	return runtimeadapter.NewBase("claude", executable, decodeUsage)
}

// ValidateModel reports a *domain.RunError tagged KindConfiguration if
// model is non-empty and not present in allowed.
func ValidateModel(allowed AllowedModels, model string) error {
	if model == "" || allowed == nil || allowed[sdk.Model(model)] {
		return nil
	}
	return domain.RunErrorf(domain.KindConfiguration, "claude runtime: unknown model %q", model)
}
