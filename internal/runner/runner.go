// Package runner implements the Agent Runner (spec §4.3): it stages a plan
// step's context inputs, invokes the configured Runtime Adapter behind a
// per-(project, runtime) circuit breaker, enforces the step timeout, and
// parses the agent's structured result file.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

// approxBytesPerToken is the divisor used to derive an approximate token
// count from raw stdout bytes when a runtime does not expose an exact
// counter in its debug metadata (spec §4.3 step 6). It is a rough English
// text heuristic, not a tokenizer; exact counters are always preferred.
const approxBytesPerToken = 4

// Runner stages context, invokes a Runtime, and parses the agent's result.
type Runner struct {
	breakers *breakerManager
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	// CostPerOutputToken priced approximate-usage cost attribution when a
	// runtime does not report an exact dollar cost (provider/model
	// specific cost tables are out of scope; callers configure a flat rate
	// per project/runtime via this field or leave it at 0 to skip cost
	// attribution for approximate usage).
	CostPerOutputToken float64
}

// New constructs a Runner.
func New(logger telemetry.Logger, metrics telemetry.Metrics) *Runner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Runner{breakers: newBreakerManager(logger, metrics), logger: logger, metrics: metrics}
}

// StepInput bundles the step identity, resolved context inputs, and budget
// needed to run one plan step.
type StepInput struct {
	ProjectID     string
	RunID         string
	WorkspacePath string
	Step          domain.PlanStep
	Attempt       int
	Model         string
	Timeout       time.Duration
}

// StepOutcome is what the Orchestration Service needs after a step runs:
// the parsed AgentResult plus the usage actually attributed to the step.
type StepOutcome struct {
	Result     *domain.AgentResult
	TokensUsed int64
	CostUSD    float64
	RuntimeID  string
	Model      string
}

// RunStep implements spec §4.3's per-step invocation contract steps 1-6.
func (r *Runner) RunStep(ctx context.Context, rt runtimeadapter.Runtime, in StepInput) (StepOutcome, error) {
	if err := r.stageContextInputs(in); err != nil {
		return StepOutcome{}, err
	}

	stepCtx := runtimeadapter.StepContext{
		RunID:         in.RunID,
		WorkspacePath: in.WorkspacePath,
		StepNumber:    in.Step.StepNumber,
		Attempt:       in.Attempt,
		Agent:         in.Step.Agent,
		Model:         in.Model,
		Task:          in.Step.Task,
		Timeout:       in.Timeout,
	}
	for _, p := range in.Step.PluginPaths {
		stepCtx.Plugins = append(stepCtx.Plugins, runtimeadapter.PluginPath(p))
	}

	raw, err := r.breakers.execute(in.ProjectID, rt.ID(), func() (any, error) {
		return rt.RunStep(ctx, stepCtx)
	})
	if err != nil {
		return StepOutcome{}, err
	}
	stepResult := raw.(runtimeadapter.StepResult)

	result, err := r.readAgentResult(in.WorkspacePath, stepResult.ExitCode)
	if err != nil {
		return StepOutcome{}, err
	}

	tokens, cost := r.attributeUsage(stepResult)
	return StepOutcome{
		Result:     result,
		TokensUsed: tokens,
		CostUSD:    cost,
		RuntimeID:  stepResult.RuntimeID,
		Model:      stepResult.Model,
	}, nil
}

// PlanInput bundles what the Agent Runner needs to invoke a planner
// subprocess, either for the initial plan or a rework plan.
type PlanInput struct {
	ProjectID     string
	RunID         string
	WorkspacePath string
	Agent         string
	Model         string
	Ticket        domain.TicketDetails
	ReworkReason  string
	ReworkTarget  string
	Timeout       time.Duration
}

// PlanOutcome carries the raw planner output path for the caller (the
// Orchestration Service) to parse into a domain.ExecutionPlan and hand to
// the Plan Validator.
type PlanOutcome struct {
	PlanPath   string
	TokensUsed int64
	CostUSD    float64
	RuntimeID  string
	Model      string
}

// RunPlanner invokes the configured Runtime's planner capability behind the
// same per-(project, runtime) circuit breaker RunStep uses.
func (r *Runner) RunPlanner(ctx context.Context, rt runtimeadapter.Runtime, in PlanInput) (PlanOutcome, error) {
	planCtx := runtimeadapter.PlanContext{
		RunID:         in.RunID,
		WorkspacePath: in.WorkspacePath,
		Agent:         in.Agent,
		Model:         in.Model,
		Ticket:        in.Ticket,
		ReworkReason:  in.ReworkReason,
		ReworkTarget:  in.ReworkTarget,
		Timeout:       in.Timeout,
	}

	raw, err := r.breakers.execute(in.ProjectID, rt.ID(), func() (any, error) {
		return rt.RunPlanner(ctx, planCtx)
	})
	if err != nil {
		return PlanOutcome{}, err
	}
	planResult := raw.(runtimeadapter.PlanGenerationResult)

	if planResult.ExitCode != 0 {
		return PlanOutcome{}, domain.RunErrorf(domain.KindRuntimeRuntime, "planner exited with code %d", planResult.ExitCode)
	}
	if _, err := os.Stat(planResult.PlanPath); err != nil {
		return PlanOutcome{}, domain.WrapRunError(domain.KindRuntimeRuntime, "planner produced no plan document", err)
	}

	tokens, cost := r.attributeUsage(runtimeadapter.StepResult{Usage: planResult.Usage, StdoutPath: planResult.StdoutPath})
	return PlanOutcome{
		PlanPath:   planResult.PlanPath,
		TokensUsed: tokens,
		CostUSD:    cost,
		RuntimeID:  planResult.RuntimeID,
		Model:      planResult.Model,
	}, nil
}

// stageContextInputs writes one plain file per context input into
// <workspace>/.agent-context/, keyed by source step number or artifact
// name (spec §4.3 step 1).
func (r *Runner) stageContextInputs(in StepInput) error {
	dir := filepath.Join(in.WorkspacePath, ".agent-context")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.WrapRunError(domain.KindRuntimeInvocation, "creating .agent-context directory", err)
	}
	for _, input := range in.Step.Context {
		name, content, err := r.renderContextInput(in.WorkspacePath, input)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return domain.WrapRunError(domain.KindRuntimeInvocation, "writing context input "+name, err)
		}
	}
	return nil
}

func (r *Runner) renderContextInput(workspacePath string, input domain.ContextInput) (name string, content []byte, err error) {
	switch input.Kind {
	case domain.ContextInputFile:
		name = filepath.Base(input.Path)
		content, err = os.ReadFile(filepath.Join(workspacePath, input.Path))
	case domain.ContextInputDirectory:
		name = filepath.Base(input.Path) + ".listing"
		content, err = r.listDirectory(filepath.Join(workspacePath, input.Path))
	case domain.ContextInputStepOutput:
		name = "step-" + strconv.Itoa(input.StepNumber) + ".output"
		content, err = os.ReadFile(filepath.Join(workspacePath, "artifacts", name))
	case domain.ContextInputArtifact:
		name = input.ArtifactName
		content, err = os.ReadFile(filepath.Join(workspacePath, "artifacts", input.ArtifactName))
	case domain.ContextInputTicket:
		name = "ticket.md"
		content = []byte{}
	default:
		return "", nil, domain.RunErrorf(domain.KindConfiguration, "unknown context input kind %q", input.Kind)
	}
	if err != nil {
		return "", nil, domain.WrapRunError(domain.KindRuntimeInvocation, "resolving context input "+name, err)
	}
	return name, content, nil
}

func (r *Runner) listDirectory(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, e := range entries {
		out = append(out, []byte(e.Name()+"\n")...)
	}
	return out, nil
}

// readAgentResult parses <workspace>/.agent-result.json (spec §4.3 steps 4-5).
// Its absence after a zero exit code is treated as a failure with reason
// "no result"; a non-JSON document is a Runtime-runtime error.
func (r *Runner) readAgentResult(workspacePath string, exitCode int) (*domain.AgentResult, error) {
	path := filepath.Join(workspacePath, ".agent-result.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if exitCode == 0 {
				return &domain.AgentResult{Status: domain.AgentFailed, Summary: "no result"}, nil
			}
			return &domain.AgentResult{Status: domain.AgentFailed, Summary: fmt.Sprintf("no result (exit code %d)", exitCode)}, nil
		}
		return nil, domain.WrapRunError(domain.KindRuntimeRuntime, "reading agent result", err)
	}

	var result domain.AgentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, domain.WrapRunError(domain.KindRuntimeRuntime, "parsing agent result", err)
	}
	return &result, nil
}

// attributeUsage prefers exact counters from the runtime's debug metadata;
// otherwise it derives an approximate token count from stdout byte length
// (spec §4.3 step 6).
func (r *Runner) attributeUsage(result runtimeadapter.StepResult) (tokens int64, cost float64) {
	if result.Usage.Exact {
		return result.Usage.TotalTokens, result.Usage.CostUSD
	}

	info, err := os.Stat(result.StdoutPath)
	if err != nil {
		return 0, 0
	}
	approx := info.Size() / approxBytesPerToken
	return approx, float64(approx) * r.CostPerOutputToken
}
