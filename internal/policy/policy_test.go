package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

func TestEvaluate_CostExceeded(t *testing.T) {
	e := New(Options{PerTaskMaxCostUSD: 1.00})
	d := e.Evaluate(1.10, 0)
	assert.True(t, d.Exceeded)
	assert.Equal(t, "cost_exceeded", d.Reason)
}

func TestEvaluate_WithinBudget(t *testing.T) {
	e := New(Options{PerTaskMaxCostUSD: 1.00, PerTaskMaxTokens: 10000})
	d := e.Evaluate(0.99, 9999)
	assert.False(t, d.Exceeded)
}

func TestReworkExhausted(t *testing.T) {
	e := New(Options{MaxReworkCycles: 3})
	assert.False(t, e.ReworkExhausted(3))
	assert.True(t, e.ReworkExhausted(4))
}

func TestResolveModelAndBudget_PreferOverrides(t *testing.T) {
	step := domain.PlanStep{Agent: "developer", Model: "base-model"}
	overrides := domain.ExecutionOverrides{
		ModelByAgent:  map[string]string{"developer": "override-model"},
		BudgetByAgent: map[string]domain.StepBudget{"developer": {MaxCostUSD: 2}},
	}
	assert.Equal(t, "override-model", ResolveModel(step, overrides))
	assert.Equal(t, 2.0, ResolveBudget(step, overrides).MaxCostUSD)
}

func TestResolveModel_FallsBackToStepModel(t *testing.T) {
	step := domain.PlanStep{Agent: "qa", Model: "base-model"}
	assert.Equal(t, "base-model", ResolveModel(step, domain.ExecutionOverrides{}))
}
