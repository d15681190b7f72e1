// Package planvalidator implements the Plan Validator (spec §4.2): it
// normalizes planner output, evaluates platform/project rules, injects
// required steps and human gates, remaps hallucinated agent ids, and
// enforces plan integrity before a plan is allowed to execute.
package planvalidator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

// Validator applies platform and project rules, in that concatenated order,
// to a raw ExecutionPlan and produces a ValidatedPlan or a plan-integrity /
// configuration error.
type Validator struct {
	PlatformRules []Rule
	ProjectRules  []Rule
	Agents        map[string]AgentDefinition
	// Catalog, if non-empty, restricts which agent ids require_role and the
	// hallucination remapper may choose from (spec §4.2).
	Catalog []string

	Logger telemetry.Logger
}

// New constructs a Validator. Agents must map every known agent id to its
// AgentDefinition; Catalog is optional.
func New(platformRules, projectRules []Rule, agents map[string]AgentDefinition, catalog []string, logger telemetry.Logger) *Validator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Validator{
		PlatformRules: platformRules,
		ProjectRules:  projectRules,
		Agents:        agents,
		Catalog:       catalog,
		Logger:        logger,
	}
}

// Validate runs the full plan validation pipeline: remap -> rules -> inject
// -> integrity. Integrity violations are fail-hard and returned wrapped in a
// *domain.RunError tagged KindPlanIntegrity; unresolved agent ids at this
// stage are tagged KindConfiguration.
func (v *Validator) Validate(raw *domain.ExecutionPlan, ticket domain.TicketDetails) (*domain.ValidatedPlan, error) {
	plan := cloneExecutionPlan(raw)

	// Duplicates must be caught on the planner's own numbering: once
	// renumberContiguous runs, every step number is unique by construction.
	seen := map[int]bool{}
	for _, s := range plan.Steps {
		if seen[s.StepNumber] {
			return nil, domain.RunErrorf(domain.KindPlanIntegrity, "duplicate step number %d", s.StepNumber)
		}
		seen[s.StepNumber] = true
	}

	v.remapAgentIDs(plan)

	overrides := domain.ExecutionOverrides{
		ModelByAgent:  map[string]string{},
		BudgetByAgent: map[string]domain.StepBudget{},
	}
	if err := v.applyRules(plan, ticket, &overrides); err != nil {
		return nil, err
	}

	renumberContiguous(plan)

	if err := v.checkIntegrity(plan); err != nil {
		return nil, err
	}

	return &domain.ValidatedPlan{ExecutionPlan: *plan, ExecutionOverrides: overrides}, nil
}

func cloneExecutionPlan(p *domain.ExecutionPlan) *domain.ExecutionPlan {
	clone := *p
	clone.Steps = append([]domain.PlanStep(nil), p.Steps...)
	clone.ParallelGroups = append([][]int(nil), p.ParallelGroups...)
	clone.HumanGates = append([]domain.HumanGate(nil), p.HumanGates...)
	return &clone
}

// remapAgentIDs implements the hallucination guard (spec §4.2): strip
// leading "-"-delimited prefixes to find a known suffix; else match any
// known agent whose role substring appears in the id (catalog-restricted if
// configured); else drop the step with a warning. After removals, steps are
// renumbered elsewhere (renumberContiguous).
func (v *Validator) remapAgentIDs(plan *domain.ExecutionPlan) {
	kept := plan.Steps[:0:0]
	for _, step := range plan.Steps {
		if _, ok := v.Agents[step.Agent]; ok {
			kept = append(kept, step)
			continue
		}

		if remapped, ok := v.remapBySuffix(step.Agent); ok {
			step.Agent = remapped
			kept = append(kept, step)
			continue
		}

		if remapped, ok := v.remapByRoleSubstring(step.Agent); ok {
			step.Agent = remapped
			kept = append(kept, step)
			continue
		}

		v.Logger.Warn(context.Background(), "planvalidator: dropping step with unresolvable agent id",
			"step_number", fmt.Sprint(step.StepNumber), "agent", step.Agent)
	}
	plan.Steps = kept
}

func (v *Validator) remapBySuffix(id string) (string, bool) {
	parts := strings.Split(id, "-")
	for i := range parts {
		suffix := strings.Join(parts[i:], "-")
		if _, ok := v.Agents[suffix]; ok {
			return suffix, true
		}
	}
	return "", false
}

func (v *Validator) remapByRoleSubstring(id string) (string, bool) {
	catalog := v.catalogSet()
	for agentID, def := range v.Agents {
		if def.Role == "" || !strings.Contains(id, def.Role) {
			continue
		}
		if catalog != nil {
			if _, ok := catalog[agentID]; !ok {
				continue
			}
		}
		return agentID, true
	}
	return "", false
}

func (v *Validator) catalogSet() map[string]struct{} {
	if len(v.Catalog) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(v.Catalog))
	for _, id := range v.Catalog {
		set[id] = struct{}{}
	}
	return set
}

// applyRules evaluates platform then project rules in order and applies
// their actions: require_agent/require_role/require_human_gate inject
// (spec §4.2 Injection policy); set_model/set_budget are recorded into
// overrides rather than baked into the plan.
func (v *Validator) applyRules(plan *domain.ExecutionPlan, ticket domain.TicketDetails, overrides *domain.ExecutionOverrides) error {
	all := append(append([]Rule(nil), v.PlatformRules...), v.ProjectRules...)
	for _, rule := range all {
		ok, err := evaluate(rule.Condition, plan, ticket)
		if err != nil {
			return domain.WrapRunError(domain.KindConfiguration, "rule condition evaluation failed", err)
		}
		if !ok {
			continue
		}
		if err := v.applyAction(plan, rule.Action, overrides); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) applyAction(plan *domain.ExecutionPlan, action Action, overrides *domain.ExecutionOverrides) error {
	switch action.Kind {
	case ActionRequireAgent:
		return v.ensureAgentStep(plan, action.AgentID)
	case ActionRequireRole:
		return v.ensureRoleStep(plan, action.Role)
	case ActionRequireHumanGate:
		v.ensureHumanGate(plan, action.AgentID, action.GateSummary, action.GateRequired)
		return nil
	case ActionSetModel:
		overrides.ModelByAgent[action.AgentID] = action.Model
		return nil
	case ActionSetBudget:
		overrides.BudgetByAgent[action.AgentID] = action.Budget
		return nil
	default:
		return domain.RunErrorf(domain.KindConfiguration, "unknown rule action %q", action.Kind)
	}
}

// ensureAgentStep adds a step for agentID only if no existing step already
// uses that agent id (spec §4.2).
func (v *Validator) ensureAgentStep(plan *domain.ExecutionPlan, agentID string) error {
	for _, s := range plan.Steps {
		if s.Agent == agentID {
			return nil
		}
	}
	def, ok := v.Agents[agentID]
	if !ok {
		return domain.RunErrorf(domain.KindConfiguration, "require_agent references unknown agent %q", agentID)
	}
	v.insertStep(plan, domain.PlanStep{Agent: def.ID, Task: fmt.Sprintf("required by platform/project rule: %s", def.ID)})
	return nil
}

// ensureRoleStep adds a step resolving to role only if no existing step
// already resolves to that role. If a catalog is configured, the chosen
// agent must be a catalog member (spec §4.2).
func (v *Validator) ensureRoleStep(plan *domain.ExecutionPlan, role string) error {
	for _, s := range plan.Steps {
		if def, ok := v.Agents[s.Agent]; ok && def.Role == role {
			return nil
		}
	}
	catalog := v.catalogSet()
	var chosen *AgentDefinition
	for id, def := range v.Agents {
		if def.Role != role {
			continue
		}
		if catalog != nil {
			if _, ok := catalog[id]; !ok {
				continue
			}
		}
		d := def
		chosen = &d
		break
	}
	if chosen == nil {
		return domain.RunErrorf(domain.KindConfiguration, "require_role could not resolve an agent for role %q", role)
	}
	v.insertStep(plan, domain.PlanStep{Agent: chosen.ID, Task: fmt.Sprintf("required by platform/project rule: role %s", role)})
	return nil
}

// ensureHumanGate attaches a gate after the last step of the named agent
// (or, if the exact id is absent, the last step whose role matches).
func (v *Validator) ensureHumanGate(plan *domain.ExecutionPlan, agentID, summary string, required bool) {
	after := v.lastStepFor(plan, agentID)
	if after == 0 {
		return
	}
	for _, g := range plan.HumanGates {
		if g.AfterStep == after {
			return
		}
	}
	plan.HumanGates = append(plan.HumanGates, domain.HumanGate{AfterStep: after, Required: required, Summary: summary})
}

func (v *Validator) lastStepFor(plan *domain.ExecutionPlan, agentID string) int {
	last := 0
	for _, s := range plan.Steps {
		if s.Agent == agentID && s.StepNumber > last {
			last = s.StepNumber
		}
	}
	if last > 0 {
		return last
	}
	role := v.Agents[agentID].Role
	if role == "" {
		return 0
	}
	for _, s := range plan.Steps {
		if def, ok := v.Agents[s.Agent]; ok && def.Role == role && s.StepNumber > last {
			last = s.StepNumber
		}
	}
	return last
}

// insertStep places a new step after the last existing step whose role
// precedes the new step's role in the canonical ordering (spec §4.2). If no
// such predecessor exists, the step is appended. The temporary step number
// is max(existing)+1; final contiguous numbering happens in
// renumberContiguous after all injections for this rule pass.
func (v *Validator) insertStep(plan *domain.ExecutionPlan, step domain.PlanStep) {
	newRank := roleRank(v.Agents[step.Agent].Role)

	insertAfterIdx := -1
	for i, s := range plan.Steps {
		if roleRank(v.Agents[s.Agent].Role) <= newRank {
			insertAfterIdx = i
		}
	}

	maxNum := 0
	for _, s := range plan.Steps {
		if s.StepNumber > maxNum {
			maxNum = s.StepNumber
		}
	}
	step.StepNumber = maxNum + 1

	if insertAfterIdx == -1 {
		plan.Steps = append(plan.Steps, step)
		return
	}
	out := make([]domain.PlanStep, 0, len(plan.Steps)+1)
	out = append(out, plan.Steps[:insertAfterIdx+1]...)
	out = append(out, step)
	out = append(out, plan.Steps[insertAfterIdx+1:]...)
	plan.Steps = out
}

// renumberContiguous resorts steps by their current step number and
// reassigns contiguous numbers starting at 1, fixing up depends_on,
// parallel_groups, and human_gates references to match (spec §4.2).
func renumberContiguous(plan *domain.ExecutionPlan) {
	sort.SliceStable(plan.Steps, func(i, j int) bool {
		return plan.Steps[i].StepNumber < plan.Steps[j].StepNumber
	})

	remap := make(map[int]int, len(plan.Steps))
	for i := range plan.Steps {
		remap[plan.Steps[i].StepNumber] = i + 1
	}
	for i := range plan.Steps {
		plan.Steps[i].StepNumber = i + 1
		deps := make([]int, 0, len(plan.Steps[i].DependsOn))
		for _, d := range plan.Steps[i].DependsOn {
			if newNum, ok := remap[d]; ok {
				deps = append(deps, newNum)
			}
		}
		plan.Steps[i].DependsOn = deps
	}
	for gi, group := range plan.ParallelGroups {
		newGroup := make([]int, 0, len(group))
		for _, n := range group {
			if newNum, ok := remap[n]; ok {
				newGroup = append(newGroup, newNum)
			}
		}
		plan.ParallelGroups[gi] = newGroup
	}
	for gi, gate := range plan.HumanGates {
		if newNum, ok := remap[gate.AfterStep]; ok {
			plan.HumanGates[gi].AfterStep = newNum
		}
	}
}

// checkIntegrity enforces the fail-hard invariants in spec §3/§4.2: unique
// step numbers, depends_on resolves, no cycles (a step may not depend on
// itself or a higher-numbered step), gate references resolve, parallel
// group members share an identical depends_on closure, and every agent
// resolves.
func (v *Validator) checkIntegrity(plan *domain.ExecutionPlan) error {
	seen := map[int]bool{}
	for _, s := range plan.Steps {
		if seen[s.StepNumber] {
			return domain.RunErrorf(domain.KindPlanIntegrity, "duplicate step number %d", s.StepNumber)
		}
		seen[s.StepNumber] = true
	}

	for _, s := range plan.Steps {
		if _, ok := v.Agents[s.Agent]; !ok {
			return domain.RunErrorf(domain.KindConfiguration, "step %d references unknown agent %q", s.StepNumber, s.Agent)
		}
		for _, dep := range s.DependsOn {
			if dep == s.StepNumber {
				return domain.RunErrorf(domain.KindPlanIntegrity, "step %d depends on itself", s.StepNumber)
			}
			if dep > s.StepNumber {
				return domain.RunErrorf(domain.KindPlanIntegrity, "step %d depends on higher-numbered step %d", s.StepNumber, dep)
			}
			if !seen[dep] {
				return domain.RunErrorf(domain.KindPlanIntegrity, "step %d depends on missing step %d", s.StepNumber, dep)
			}
		}
	}

	depClosure := closures(plan)
	for _, group := range plan.ParallelGroups {
		if len(group) == 0 {
			continue
		}
		members := map[int]bool{}
		for _, n := range group {
			members[n] = true
		}
		var reference map[int]bool
		for _, n := range group {
			if !seen[n] {
				return domain.RunErrorf(domain.KindPlanIntegrity, "parallel group references missing step %d", n)
			}
			cl := depClosure[n]
			for dep := range cl {
				if members[dep] {
					return domain.RunErrorf(domain.KindPlanIntegrity, "parallel group member %d depends on fellow member %d", n, dep)
				}
			}
			if reference == nil {
				reference = cl
				continue
			}
			if !sameSet(reference, cl) {
				return domain.RunErrorf(domain.KindPlanIntegrity, "parallel group members do not share an identical depends_on closure")
			}
		}
	}

	for _, gate := range plan.HumanGates {
		if !seen[gate.AfterStep] {
			return domain.RunErrorf(domain.KindPlanIntegrity, "human gate references missing step %d", gate.AfterStep)
		}
	}

	return nil
}

// closures computes, for each step, the transitive set of steps it depends
// on, used to check parallel-group independence. Cycles are rejected
// separately by checkIntegrity's higher-numbered-dependency check.
func closures(plan *domain.ExecutionPlan) map[int]map[int]bool {
	byNumber := map[int]domain.PlanStep{}
	for _, s := range plan.Steps {
		byNumber[s.StepNumber] = s
	}

	memo := map[int]map[int]bool{}
	var visit func(n int, visiting map[int]bool) map[int]bool
	visit = func(n int, visiting map[int]bool) map[int]bool {
		if cl, ok := memo[n]; ok {
			return cl
		}
		cl := map[int]bool{}
		visiting[n] = true
		for _, dep := range byNumber[n].DependsOn {
			cl[dep] = true
			if visiting[dep] {
				continue
			}
			for d := range visit(dep, visiting) {
				cl[d] = true
			}
		}
		delete(visiting, n)
		memo[n] = cl
		return cl
	}
	for _, s := range plan.Steps {
		visit(s.StepNumber, map[int]bool{})
	}
	return memo
}

func sameSet(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
