package domain

// ReworkStepFloor is the first step number reserved for dynamically injected
// rework steps (spec §3, §9: "reserved range (>= 900) to distinguish
// dynamically injected steps from plan-time steps").
const ReworkStepFloor = 900

// ContextInputKind distinguishes the tagged variants a PlanStep's context
// inputs may take (spec §4.3, §9).
type ContextInputKind string

const (
	ContextInputTicket       ContextInputKind = "ticket"
	ContextInputFile         ContextInputKind = "file"
	ContextInputDirectory    ContextInputKind = "directory"
	ContextInputStepOutput   ContextInputKind = "step_output"
	ContextInputArtifact     ContextInputKind = "artifact"
)

// ContextInput is a single tagged-variant input staged for an agent.
type ContextInput struct {
	Kind ContextInputKind
	// Path is set for File/Directory inputs.
	Path string
	// StepNumber is set for StepOutput inputs.
	StepNumber int
	// ArtifactName is set for Artifact inputs.
	ArtifactName string
}

// PlanStep describes one agent invocation as emitted by the planner (or
// injected during validation/rework).
type PlanStep struct {
	StepNumber  int
	Agent       string
	Model       string
	Task        string
	Context     []ContextInput
	DependsOn   []int
	Complexity  string
	// PluginPaths is the narrow collaborator contract for skill/plugin
	// staging (spec §1, §11.7 of SPEC_FULL.md): the Agent Runner passes these
	// paths verbatim to the runtime as StepContext.Plugins. The subprocess
	// runtime in this module does not forward them to the spawned process.
	PluginPaths []string
}

// IsRework reports whether this step was dynamically injected to address a
// needs_rework result, per the reserved numbering convention.
func (s PlanStep) IsRework() bool { return s.StepNumber >= ReworkStepFloor }

// HumanGate is a pause point after a named step requiring an external
// decision file before execution resumes.
type HumanGate struct {
	AfterStep int
	Required  bool
	Summary   string
}

// ExecutionPlan is the raw planner output prior to validation.
type ExecutionPlan struct {
	PlanID         string
	TicketID       string
	Classification string
	Reasoning      string
	Steps          []PlanStep
	ParallelGroups [][]int
	HumanGates     []HumanGate
}

// ValidatedPlan is an ExecutionPlan after rule application, required-step
// injection, agent-id remapping, and integrity checking (spec §4.2).
// Invariants (spec §3):
//
//	(a) step_number values are unique and contiguous (1..N)
//	(b) every depends_on references an existing step_number
//	(c) every parallel_group member shares an identical depends_on closure
//	(d) every human_gate.after_step references an existing step
//	(e) every step.agent resolves to a known agent definition
type ValidatedPlan struct {
	ExecutionPlan
	// ExecutionOverrides records set_model/set_budget rule actions applied
	// at execution time rather than baked into the plan steps (spec §4.2).
	ExecutionOverrides ExecutionOverrides
}

// ExecutionOverrides carries rule-driven settings that apply at execution
// time instead of being written into plan steps.
type ExecutionOverrides struct {
	// ModelByAgent overrides the model used for a given agent id.
	ModelByAgent map[string]string
	// BudgetByAgent overrides per-step cost/token caps for a given agent id.
	BudgetByAgent map[string]StepBudget
}

// StepBudget bounds a single step's resource usage.
type StepBudget struct {
	MaxCostUSD   float64
	MaxTokens    int64
	TimeoutMs    int64
}

// StepNumbers returns the ordered step numbers present in the plan.
func (p *ExecutionPlan) StepNumbers() []int {
	nums := make([]int, len(p.Steps))
	for i, s := range p.Steps {
		nums[i] = s.StepNumber
	}
	return nums
}

// StepByNumber returns the step with the given number, or nil.
func (p *ExecutionPlan) StepByNumber(n int) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].StepNumber == n {
			return &p.Steps[i]
		}
	}
	return nil
}
