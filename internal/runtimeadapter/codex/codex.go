// Package codex provides the codex-style Runtime variant (spec §4.3): it
// spawns the per-step subprocess the same way every variant does, but
// validates the configured model name against github.com/openai/openai-go's
// ChatModel type and decodes exact token usage from that provider's
// debug-metadata shape.
package codex

import (
	"encoding/json"

	openai "github.com/openai/openai-go"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
)

type usageJSON struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func decodeUsage(raw json.RawMessage) (runtimeadapter.Usage, error) {
	var u usageJSON
	if err := json.Unmarshal(raw, &u); err != nil {
		return runtimeadapter.Usage{}, err
	}
	return runtimeadapter.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}, nil
}

// New constructs the codex-style Runtime. executable is the CLI binary
// this variant spawns per step (e.g. "codex-agent").
func New(executable string) runtimeadapter.Runtime {
	return runtimeadapter.NewBase("codex", executable, decodeUsage)
}

// AllowedModels restricts model validation to a configured set of
// openai.ChatModel identifiers, catching a misconfigured model name before
// a subprocess is ever spawned.
type AllowedModels map[openai.ChatModel]bool

// ValidateModel reports a *domain.RunError tagged KindConfiguration if
// model is non-empty and not present in allowed.
func ValidateModel(allowed AllowedModels, model string) error {
	if model == "" || allowed == nil || allowed[openai.ChatModel(model)] {
		return nil
	}
	return domain.RunErrorf(domain.KindConfiguration, "codex runtime: unknown model %q", model)
}
