// Package runtimeadapter defines the Runtime capability (spec §4.3): a
// polymorphic interface, distinguished by config, for preparing and
// spawning the per-step and planner subprocesses. Variants in this package
// wrap model-provider SDKs narrowly, for model-name validation and exact
// usage decoding from a debug-metadata sidecar; they never place the
// inference call themselves, because that always happens inside the
// spawned subprocess.
package runtimeadapter

import (
	"context"
	"time"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

// PluginPath is a filesystem path to a plugin/skill bundle the runtime
// should expose to the agent process. Plugin packaging and execution is out
// of scope; this is the narrow collaborator contract (spec §1, §11.7).
type PluginPath string

// StepContext carries everything a Runtime needs to prepare and run one
// plan step's subprocess.
type StepContext struct {
	RunID         string
	WorkspacePath string
	StepNumber    int
	Attempt       int
	Agent         string
	Model         string
	Task          string
	ContextFiles  []string // staged file paths under .agent-context/
	Plugins       []PluginPath
	Timeout       time.Duration
	Env           map[string]string
}

// PlanContext carries everything a Runtime needs to prepare and run a
// planner invocation (initial plan, or a rework plan targeting a prior
// step's failure).
type PlanContext struct {
	RunID         string
	WorkspacePath string
	Agent         string
	Model         string
	Ticket        domain.TicketDetails
	ReworkReason  string
	ReworkTarget  string
	Timeout       time.Duration
}

// PreparedInvocation is the result of prepare(): the concrete command-line
// shape a runtime will spawn.
type PreparedInvocation struct {
	Prompt string
	Env    []string
	Cwd    string
}

// Usage is the token/cost accounting for one subprocess invocation. Exact
// is true when the counters came from the debug-metadata sidecar rather
// than a stdout-derived approximation (spec §4.3 step 6).
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
	Exact        bool
}

// StepResult is RuntimeStepResult from spec §4.3: the raw outcome of one
// runStep invocation, before the Agent Runner parses .agent-result.json.
type StepResult struct {
	ExitCode   int
	StdoutPath string
	StderrPath string
	DurationMs int64
	Usage      Usage
	RuntimeID  string
	Model      string
}

// PlanGenerationResult is the raw outcome of one runPlanner invocation: the
// path to the planner's written plan document, for the caller to parse and
// hand to the Plan Validator.
type PlanGenerationResult struct {
	ExitCode   int
	PlanPath   string
	StdoutPath string
	StderrPath string
	DurationMs int64
	Usage      Usage
	RuntimeID  string
	Model      string
}

// Runtime is the polymorphic capability described in spec §4.3. Concrete
// variants (claude, codex, bedrock) differ in which model-provider SDK they
// consult for model validation and usage decoding, and in the executable
// name and environment they prepare.
type Runtime interface {
	// ID names this runtime variant, e.g. "claude", "codex", "bedrock".
	ID() string

	// Prepare writes the step's task file and resolves the prompt path,
	// environment, and working directory for a step invocation without
	// spawning anything.
	Prepare(ctx context.Context, step StepContext) (PreparedInvocation, error)

	// RunStep spawns the per-step subprocess and returns once it exits or
	// step.Timeout elapses (timeout is reported as a *domain.RunError
	// tagged domain.KindTimeout with message "timeout:<ms>").
	RunStep(ctx context.Context, step StepContext) (StepResult, error)

	// RunPlanner spawns the planner subprocess (initial or rework) and
	// returns once it exits or planCtx.Timeout elapses.
	RunPlanner(ctx context.Context, planCtx PlanContext) (PlanGenerationResult, error)
}
