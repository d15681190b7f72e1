// Package bedrock provides the bedrock-style Runtime variant (spec §4.3):
// it spawns the per-step subprocess the same way every variant does, but
// decodes exact token usage against the shape of
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types.TokenUsage, and
// validates that a configured model id looks like a Bedrock model
// identifier (a provider-qualified id such as "anthropic.claude-..." or a
// cross-region inference profile ARN) rather than against a fixed enum -
// Bedrock, unlike the Anthropic/OpenAI SDKs, does not export one.
package bedrock

import (
	"encoding/json"
	"regexp"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
)

// modelIDPattern matches Bedrock model identifiers and inference-profile
// ARNs, e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0" or
// "arn:aws:bedrock:us-east-1:123456789012:inference-profile/...".
var modelIDPattern = regexp.MustCompile(`^(arn:aws:bedrock:.+|[a-z0-9-]+\.[a-z0-9.\-:]+)$`)

// decodeUsage unmarshals directly into the SDK's own TokenUsage struct:
// encoding/json matches its exported field names case-insensitively, so the
// debug-metadata sidecar's usage object lines up without a shadow type.
func decodeUsage(raw json.RawMessage) (runtimeadapter.Usage, error) {
	var tu brtypes.TokenUsage
	if err := json.Unmarshal(raw, &tu); err != nil {
		return runtimeadapter.Usage{}, err
	}
	var in, out, cacheRead, cacheWrite int64
	if tu.InputTokens != nil {
		in = int64(*tu.InputTokens)
	}
	if tu.OutputTokens != nil {
		out = int64(*tu.OutputTokens)
	}
	if tu.CacheReadInputTokens != nil {
		cacheRead = int64(*tu.CacheReadInputTokens)
	}
	if tu.CacheWriteInputTokens != nil {
		cacheWrite = int64(*tu.CacheWriteInputTokens)
	}
	return runtimeadapter.Usage{
		InputTokens:  in + cacheRead + cacheWrite,
		OutputTokens: out,
		TotalTokens:  in + out + cacheRead + cacheWrite,
	}, nil
}

// New constructs the bedrock-style Runtime. executable is the CLI binary
// this variant spawns per step (e.g. "bedrock-agent").
func New(executable string) runtimeadapter.Runtime {
	return runtimeadapter.NewBase("bedrock", executable, decodeUsage)
}

// ValidateModel reports a *domain.RunError tagged KindConfiguration if
// model does not look like a Bedrock model id or inference-profile ARN.
func ValidateModel(model string) error {
	if model == "" || modelIDPattern.MatchString(model) {
		return nil
	}
	return domain.RunErrorf(domain.KindConfiguration, "bedrock runtime: malformed model id %q", model)
}
