// Package policy implements the budget/token enforcement engine the
// Orchestration Service consults after every step transition (spec §4.4
// step 6): cost and token aggregates against their configured caps, and
// resolving a step's effective model/budget from the validated plan's
// ExecutionOverrides. It follows the same small Options-constructed
// Engine/Decide shape the teacher's basic policy engine uses, adapted from
// tool-allowlisting to cost/token budget enforcement.
package policy

import "github.com/agentsdlc/orchestrator/internal/domain"

// Options configures the budget Engine.
type Options struct {
	// PerTaskMaxCostUSD is the run-level cost ceiling (spec §4.4 step 6).
	// Zero disables cost enforcement.
	PerTaskMaxCostUSD float64
	// PerTaskMaxTokens is the run-level token ceiling. Zero disables token
	// enforcement.
	PerTaskMaxTokens int64
	// MaxReworkCycles bounds how many rework cycles a run may accumulate
	// before it is failed outright (spec §4.4 step 4).
	MaxReworkCycles int
}

// Engine enforces budget caps and resolves per-agent overrides.
type Engine struct {
	opts Options
}

// New constructs an Engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Decision is the verdict on a run's current resource usage.
type Decision struct {
	// Exceeded is true if either the cost or token cap was breached.
	Exceeded bool
	// Reason names which cap tripped, for the agent.token_limit_exceeded
	// event's data payload.
	Reason string
}

// Evaluate checks a run's running totals against the configured caps
// (spec §4.4 step 6: "If total_cost_usd > per_task_max_cost_usd or either
// token aggregate exceeds its configured cap").
func (e *Engine) Evaluate(totalCostUSD float64, totalTokensUsed int64) Decision {
	if e.opts.PerTaskMaxCostUSD > 0 && totalCostUSD > e.opts.PerTaskMaxCostUSD {
		return Decision{Exceeded: true, Reason: "cost_exceeded"}
	}
	if e.opts.PerTaskMaxTokens > 0 && totalTokensUsed > e.opts.PerTaskMaxTokens {
		return Decision{Exceeded: true, Reason: "token_exceeded"}
	}
	return Decision{}
}

// ReworkExhausted reports whether reworkCount has used up the configured
// rework-cycle budget (spec §4.4 step 4).
func (e *Engine) ReworkExhausted(reworkCount int) bool {
	if e.opts.MaxReworkCycles <= 0 {
		return false
	}
	return reworkCount > e.opts.MaxReworkCycles
}

// ResolveModel returns the model to run a step with: the
// ExecutionOverrides entry for the step's agent if one was set by a
// set_model rule action, else the step's own model field.
func ResolveModel(step domain.PlanStep, overrides domain.ExecutionOverrides) string {
	if model, ok := overrides.ModelByAgent[step.Agent]; ok && model != "" {
		return model
	}
	return step.Model
}

// ResolveBudget returns the StepBudget to run a step under: the
// ExecutionOverrides entry for the step's agent if one was set by a
// set_budget rule action, else the zero value (no per-step override).
func ResolveBudget(step domain.PlanStep, overrides domain.ExecutionOverrides) domain.StepBudget {
	return overrides.BudgetByAgent[step.Agent]
}
