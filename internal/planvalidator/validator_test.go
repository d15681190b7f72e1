package planvalidator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

func testAgents() map[string]AgentDefinition {
	return map[string]AgentDefinition{
		"product":     {ID: "product", Role: "product"},
		"architect":   {ID: "architect", Role: "architect"},
		"developer":   {ID: "developer", Role: "developer"},
		"code-review": {ID: "code-review", Role: "code-review"},
		"qa":          {ID: "qa", Role: "qa"},
		"security":    {ID: "security", Role: "security"},
	}
}

func TestValidate_RenumbersContiguously(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 5, Agent: "developer"},
			{StepNumber: 10, Agent: "qa", DependsOn: []int{5}},
		},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.Steps, 2)
	assert.Equal(t, 1, validated.Steps[0].StepNumber)
	assert.Equal(t, 2, validated.Steps[1].StepNumber)
	assert.Equal(t, []int{1}, validated.Steps[1].DependsOn)
}

func TestValidate_RemapsSuffixedAgentID(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{{StepNumber: 1, Agent: "js-developer"}},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.Steps, 1)
	assert.Equal(t, "developer", validated.Steps[0].Agent)
}

func TestValidate_RemapsByRoleSubstringWithCatalog(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{{StepNumber: 1, Agent: "senior-developer-bot"}},
	}
	v := New(nil, nil, testAgents(), []string{"developer"}, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.Steps, 1)
	assert.Equal(t, "developer", validated.Steps[0].Agent)
}

func TestValidate_DropsUnresolvableAgentID(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer"},
			{StepNumber: 2, Agent: "totally-unknown-thing"},
		},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.Steps, 1)
	assert.Equal(t, "developer", validated.Steps[0].Agent)
}

func TestValidate_RequireAgentInjectsAtCanonicalPosition(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Classification: "security_sensitive",
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "product"},
			{StepNumber: 2, Agent: "developer"},
			{StepNumber: 3, Agent: "qa"},
		},
	}
	rules := []Rule{
		{
			Condition: Condition{Kind: ConditionClassificationIs, Classification: "security_sensitive"},
			Action:    Action{Kind: ActionRequireAgent, AgentID: "security"},
		},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.Steps, 4)
	// security's canonical rank is after qa, so it lands last.
	assert.Equal(t, "security", validated.Steps[3].Agent)
}

func TestValidate_RequireAgentIsIdempotent(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer"},
			{StepNumber: 2, Agent: "security"},
		},
	}
	rules := []Rule{
		{Condition: Condition{Kind: ConditionAlways}, Action: Action{Kind: ActionRequireAgent, AgentID: "security"}},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	assert.Len(t, validated.Steps, 2)
}

func TestValidate_RequireHumanGateAttachesAfterAgentStep(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer"},
			{StepNumber: 2, Agent: "code-review"},
		},
	}
	rules := []Rule{
		{
			Condition: Condition{Kind: ConditionAlways},
			Action:    Action{Kind: ActionRequireHumanGate, AgentID: "code-review", GateSummary: "review required", GateRequired: true},
		},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	require.Len(t, validated.HumanGates, 1)
	assert.Equal(t, 2, validated.HumanGates[0].AfterStep)
	assert.True(t, validated.HumanGates[0].Required)
}

func TestValidate_SetModelAndBudgetRecordedAsOverrides(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{{StepNumber: 1, Agent: "developer"}},
	}
	rules := []Rule{
		{Condition: Condition{Kind: ConditionAlways}, Action: Action{Kind: ActionSetModel, AgentID: "developer", Model: "claude-opus"}},
		{Condition: Condition{Kind: ConditionAlways}, Action: Action{Kind: ActionSetBudget, AgentID: "developer", Budget: domain.StepBudget{MaxCostUSD: 5}}},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	validated, err := v.Validate(plan, domain.TicketDetails{})
	require.NoError(t, err)
	assert.Equal(t, "claude-opus", validated.ExecutionOverrides.ModelByAgent["developer"])
	assert.Equal(t, 5.0, validated.ExecutionOverrides.BudgetByAgent["developer"].MaxCostUSD)
	// set_model/set_budget must not be baked into the step itself.
	assert.Equal(t, "", validated.Steps[0].Model)
}

func TestValidate_LabelContainsAndFilePathMatches(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{{StepNumber: 1, Agent: "developer"}},
	}
	rules := []Rule{
		{
			Condition: Condition{Kind: ConditionLabelContains, Label: "needs-security-review"},
			Action:    Action{Kind: ActionRequireAgent, AgentID: "security"},
		},
		{
			Condition: Condition{Kind: ConditionFilePathMatches, FilePathGlob: "internal/**/*.go"},
			Action:    Action{Kind: ActionRequireAgent, AgentID: "code-review"},
		},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	ticket := domain.TicketDetails{
		Labels:    []string{"needs-security-review"},
		FilePaths: []string{"internal/foo/bar.go"},
	}
	validated, err := v.Validate(plan, ticket)
	require.NoError(t, err)

	var agents []string
	for _, s := range validated.Steps {
		agents = append(agents, s.Agent)
	}
	assert.Contains(t, agents, "security")
	assert.Contains(t, agents, "code-review")
}

func TestValidate_DuplicateStepNumberIsPlanIntegrityError(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer"},
			{StepNumber: 1, Agent: "qa"},
		},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	_, err := v.Validate(plan, domain.TicketDetails{})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindPlanIntegrity, kind)
}

func TestValidate_DependsOnHigherNumberedStepIsRejected(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer", DependsOn: []int{2}},
			{StepNumber: 2, Agent: "qa"},
		},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	_, err := v.Validate(plan, domain.TicketDetails{})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindPlanIntegrity, kind)
}

func TestValidate_ParallelGroupWithInternalDependencyIsRejected(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{
			{StepNumber: 1, Agent: "developer"},
			{StepNumber: 2, Agent: "qa", DependsOn: []int{1}},
		},
		ParallelGroups: [][]int{{1, 2}},
	}
	v := New(nil, nil, testAgents(), nil, nil)

	_, err := v.Validate(plan, domain.TicketDetails{})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindPlanIntegrity, kind)
}

func TestValidate_UnknownAgentInRequireRoleIsConfigurationError(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Steps: []domain.PlanStep{{StepNumber: 1, Agent: "developer"}},
	}
	rules := []Rule{
		{Condition: Condition{Kind: ConditionAlways}, Action: Action{Kind: ActionRequireRole, Role: "does-not-exist"}},
	}
	v := New(rules, nil, testAgents(), nil, nil)

	_, err := v.Validate(plan, domain.TicketDetails{})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindConfiguration, kind)
}
