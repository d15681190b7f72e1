// Package config defines the YAML-loadable run configuration a CLI reads
// and hands to the orchestrator. Config loading and CLI argument parsing
// are out of this core's scope (spec §1 Non-goals); this package still
// ships the struct and its YAML shape because the ambient stack carries
// regardless of where the CLI that loads it lives (SPEC_FULL.md §10.4).
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/planvalidator"
)

// RunConfig is the full set of knobs the Orchestration Service needs for
// one project: rule sets, runtime adapter settings, and budget caps.
type RunConfig struct {
	WorkspaceBase       string                    `yaml:"workspace_base"`
	GlobalEventsDir     string                    `yaml:"global_events_dir"`
	MaxReworkCycles     int                       `yaml:"max_rework_cycles"`
	PerTaskMaxCostUSD   float64                   `yaml:"per_task_max_cost_usd"`
	PerTaskMaxTokens    int64                     `yaml:"per_task_max_tokens"`
	HumanGatePollSec    float64                   `yaml:"human_gate_poll_interval_seconds"`
	Runtimes            map[string]RuntimeConfig  `yaml:"runtimes"`
	PlatformRules       []RuleConfig              `yaml:"platform_rules"`
	ProjectRules        map[string][]RuleConfig   `yaml:"project_rules"`
	AgentCatalog        map[string][]string       `yaml:"agent_catalog"`
	Mongo               *MongoConfig              `yaml:"mongo,omitempty"`
}

// RuntimeConfig configures one Runtime Adapter variant.
type RuntimeConfig struct {
	Executable   string            `yaml:"executable"`
	TimeoutSec   float64           `yaml:"timeout_seconds"`
	EnvAllowlist []string          `yaml:"env_allowlist"`
	Env          map[string]string `yaml:"env"`
}

// RuleConfig is the YAML shape of one Plan Validator rule.
type RuleConfig struct {
	Condition ConditionConfig `yaml:"condition"`
	Action    ActionConfig    `yaml:"action"`
}

// ConditionConfig is the YAML shape of a planvalidator.Condition.
type ConditionConfig struct {
	Kind           string `yaml:"kind"`
	Classification string `yaml:"classification,omitempty"`
	Label          string `yaml:"label,omitempty"`
	FilePathGlob   string `yaml:"file_path_glob,omitempty"`
	Priority       string `yaml:"priority,omitempty"`
}

// ActionConfig is the YAML shape of a planvalidator.Action.
type ActionConfig struct {
	Kind         string  `yaml:"kind"`
	AgentID      string  `yaml:"agent_id,omitempty"`
	Role         string  `yaml:"role,omitempty"`
	Model        string  `yaml:"model,omitempty"`
	MaxCostUSD   float64 `yaml:"max_cost_usd,omitempty"`
	MaxTokens    int64   `yaml:"max_tokens,omitempty"`
	TimeoutMs    int64   `yaml:"timeout_ms,omitempty"`
	GateSummary  string  `yaml:"gate_summary,omitempty"`
	GateRequired bool    `yaml:"gate_required,omitempty"`
}

// MongoConfig enables the optional async Event Store mirror
// (SPEC_FULL.md §11.3).
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// HumanGatePollInterval returns HumanGatePollSec as a time.Duration,
// defaulting to the spec's 2-second ceiling when unset.
func (c RunConfig) HumanGatePollInterval() time.Duration {
	if c.HumanGatePollSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.HumanGatePollSec * float64(time.Second))
}

// BuildRules converts a list of YAML rule configs into planvalidator.Rule
// values the Plan Validator consumes directly.
func BuildRules(cfgs []RuleConfig) ([]planvalidator.Rule, error) {
	rules := make([]planvalidator.Rule, 0, len(cfgs))
	for _, c := range cfgs {
		cond := planvalidator.Condition{
			Kind:           planvalidator.ConditionKind(c.Condition.Kind),
			Classification: c.Condition.Classification,
			Label:          c.Condition.Label,
			FilePathGlob:   c.Condition.FilePathGlob,
			Priority:       c.Condition.Priority,
		}
		action := planvalidator.Action{
			Kind:         planvalidator.ActionKind(c.Action.Kind),
			AgentID:      c.Action.AgentID,
			Role:         c.Action.Role,
			Model:        c.Action.Model,
			GateSummary:  c.Action.GateSummary,
			GateRequired: c.Action.GateRequired,
			Budget: domain.StepBudget{
				MaxCostUSD: c.Action.MaxCostUSD,
				MaxTokens:  c.Action.MaxTokens,
				TimeoutMs:  c.Action.TimeoutMs,
			},
		}
		if cond.Kind == "" {
			return nil, fmt.Errorf("config: rule condition kind is required")
		}
		if action.Kind == "" {
			return nil, fmt.Errorf("config: rule action kind is required")
		}
		rules = append(rules, planvalidator.Rule{Condition: cond, Action: action})
	}
	return rules, nil
}

// Load parses YAML configuration bytes into a RunConfig.
func Load(raw []byte) (RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: parsing run config: %w", err)
	}
	return cfg, nil
}
