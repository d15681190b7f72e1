// Package orchestrator implements the Orchestration Service (spec §4.4):
// the per-run state machine driving planning, validated-plan execution,
// rework, human gates, checkpoint commits, and budget enforcement. Scheduling
// is single-threaded and cooperative at the per-run level, with bounded
// parallel subprocess fan-out inside a parallel group (spec §5); distinct
// runs are fully independent and may run concurrently in the same process.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/eventstore"
	"github.com/agentsdlc/orchestrator/internal/gitmanager"
	"github.com/agentsdlc/orchestrator/internal/planvalidator"
	"github.com/agentsdlc/orchestrator/internal/policy"
	"github.com/agentsdlc/orchestrator/internal/runner"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
	"github.com/agentsdlc/orchestrator/internal/workspace"
)

// Service drives one or more runs. A Service instance is safe to share
// across concurrently executing runs; per-run mutable state lives in the
// TaskRun each Run call returns, not on the Service itself.
type Service struct {
	Validator  *planvalidator.Validator
	Runner     *runner.Runner
	Runtimes   map[string]runtimeadapter.Runtime
	Workspace  *workspace.Manager
	Git        *gitmanager.Manager
	Events     *eventstore.Store
	Policy     *policy.Engine
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics

	// DefaultRuntime selects which Runtimes entry backs the planner and any
	// step whose agent does not name a runtime explicitly.
	DefaultRuntime string
	// PlannerAgent is the agent id invoked for plan generation and rework.
	PlannerAgent string
	// StepTimeout bounds each step subprocess's wall-clock budget absent a
	// per-step override from the validated plan's ExecutionOverrides.
	StepTimeout time.Duration
	// HumanGatePollInterval bounds the poll rate for decision files; spec §5
	// requires it stay at or under 2s with no busy-wait.
	HumanGatePollInterval time.Duration

	// gitMu serializes checkpoint commits: two steps in the same parallel
	// group share one workspace, and `git commit` is not safe to run
	// concurrently against one working tree.
	gitMu sync.Mutex

	// invocationMu serializes, per workspace path, the one runtime
	// invocation allowed to occupy the workspace's single `.agent-task.md`
	// / `.agent-result.json` slot at a time (spec §6). Parallel-group
	// members otherwise run fully concurrently; only the subprocess
	// invocation itself is serialized.
	invocationMu sync.Map // wsPath string -> *sync.Mutex
}

func (s *Service) workspaceLock(wsPath string) *sync.Mutex {
	mu, _ := s.invocationMu.LoadOrStore(wsPath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunRequest starts a new run for a ticket.
type RunRequest struct {
	ProjectID string
	Ticket    domain.TicketDetails
}

// Run executes spec §4.4's full run state machine to completion:
// pending → planning → executing → (rework | waiting_human_review)* →
// completed | failed | cancelled. ctx cancellation is the supplemental
// cancellation path (SPEC_FULL.md §12): a cancelled ctx fails any
// in-progress step and, if the run is waiting on a human gate, stops
// polling and records a rejected gate with error "cancelled".
func (s *Service) Run(ctx context.Context, req RunRequest) (*domain.TaskRun, error) {
	run := &domain.TaskRun{
		RunID:     newRunID(),
		ProjectID: req.ProjectID,
		Ticket:    req.Ticket,
		Status:    domain.RunPending,
		CreatedAt: time.Now(),
	}

	wsPath, err := s.Workspace.Create(req.ProjectID, run.RunID)
	if err != nil {
		return run, err
	}
	if err := s.Events.Initialize(wsPath, ""); err != nil {
		return run, err
	}
	if err := s.Git.EnsureRepo(ctx, wsPath); err != nil {
		return run, err
	}

	s.emit(run.RunID, domain.EventTaskCreated, map[string]any{"project_id": req.ProjectID, "ticket_id": req.Ticket.TicketID})

	run.Status = domain.RunPlanning
	plan, err := s.generatePlan(ctx, run, wsPath, "", "")
	if err != nil {
		return s.fail(run, err)
	}
	run.Plan = plan
	s.emit(run.RunID, domain.EventTaskPlanGenerated, map[string]any{"plan_id": plan.PlanID})

	validated, err := s.Validator.Validate(plan, req.Ticket)
	if err != nil {
		return s.fail(run, err)
	}
	run.ValidatedPlan = validated
	s.emit(run.RunID, domain.EventTaskPlanValidated, map[string]any{"step_count": len(validated.Steps)})

	run.Status = domain.RunExecuting
	run.StartedAt = time.Now()
	s.emit(run.RunID, domain.EventTaskStarted, nil)

	for _, step := range validated.Steps {
		run.Steps = append(run.Steps, &domain.StepExecution{StepNumber: step.StepNumber, Agent: step.Agent, Status: domain.StepPending})
	}

	if err := s.executePlan(ctx, run, wsPath); err != nil {
		return s.fail(run, err)
	}

	if run.Status.Terminal() {
		return run, nil
	}

	run.Status = domain.RunCompleted
	run.CompletedAt = time.Now()
	s.emit(run.RunID, domain.EventTaskCompleted, map[string]any{
		"total_tokens_used": run.TotalTokensUsed,
		"total_cost_usd":    run.TotalCostUSD,
	})
	return run, nil
}

// executePlan drives the validated plan's steps to completion, honoring
// parallel groups, depends_on ordering, human gates, rework injection, and
// budget enforcement (spec §4.4 "Step scheduling" and "Step execution
// procedure").
func (s *Service) executePlan(ctx context.Context, run *domain.TaskRun, wsPath string) error {
	plan := run.ValidatedPlan
	grouped := groupedStepNumbers(plan.ExecutionPlan)

	for _, group := range grouped {
		if ctx.Err() != nil {
			return s.handleCancellation(run, wsPath, ctx.Err())
		}

		if err := s.runGroup(ctx, run, wsPath, group); err != nil {
			return err
		}
		if s.runTerminal(run) {
			return nil
		}

		for _, stepNum := range group {
			if err := s.runHumanGateIfAny(ctx, run, wsPath, stepNum); err != nil {
				return err
			}
			if s.runTerminal(run) {
				return nil
			}
		}

		run.Mu.Lock()
		cost, tokens := run.TotalCostUSD, run.TotalTokensUsed
		run.Mu.Unlock()
		if d := s.Policy.Evaluate(cost, tokens); d.Exceeded {
			s.emit(run.RunID, domain.EventAgentTokenExceeded, map[string]any{"reason": d.Reason})
			run.Mu.Lock()
			run.Status = domain.RunFailed
			run.Error = "budget exceeded: " + d.Reason
			run.Mu.Unlock()
			s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
			return nil
		}
	}
	return nil
}

// runGroup executes every step number in group concurrently (a singleton
// group is the common sequential case), waiting for all in-flight members
// to finish before reporting any failure (spec §4.4: "If any member fails,
// the run transitions to failed after letting in-flight members finish").
func (s *Service) runGroup(ctx context.Context, run *domain.TaskRun, wsPath string, group []int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(group))
	for i, stepNum := range group {
		wg.Add(1)
		go func(i, stepNum int) {
			defer wg.Done()
			errs[i] = s.runOneStep(ctx, run, wsPath, stepNum)
		}(i, stepNum)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runTerminal reports whether run has reached a terminal status, guarded
// against concurrent writers in the same parallel group.
func (s *Service) runTerminal(run *domain.TaskRun) bool {
	run.Mu.Lock()
	defer run.Mu.Unlock()
	return run.Status.Terminal()
}

// runOneStep implements spec §4.4's per-step execution procedure.
func (s *Service) runOneStep(ctx context.Context, run *domain.TaskRun, wsPath string, stepNum int) error {
	run.Mu.Lock()
	step := run.ValidatedPlan.StepByNumber(stepNum)
	exec := run.StepByNumber(stepNum)
	run.Mu.Unlock()
	if step == nil {
		return domain.RunErrorf(domain.KindPlanIntegrity, "scheduled step %d not found in plan", stepNum)
	}

	exec.MarkRunning(time.Now())
	s.emit(run.RunID, domain.EventStepStarted, map[string]any{"step_number": stepNum, "agent": step.Agent})

	rt, ok := s.Runtimes[s.DefaultRuntime]
	if !ok {
		return domain.RunErrorf(domain.KindConfiguration, "unknown runtime %q", s.DefaultRuntime)
	}

	run.Mu.Lock()
	overrides := run.ValidatedPlan.ExecutionOverrides
	run.Mu.Unlock()
	budget := policy.ResolveBudget(*step, overrides)
	timeout := s.StepTimeout
	if budget.TimeoutMs > 0 {
		timeout = time.Duration(budget.TimeoutMs) * time.Millisecond
	}
	model := policy.ResolveModel(*step, overrides)

	s.emit(run.RunID, domain.EventAgentSpawned, map[string]any{"step_number": stepNum, "runtime": rt.ID(), "model": model})
	wsLock := s.workspaceLock(wsPath)
	wsLock.Lock()
	outcome, err := s.Runner.RunStep(ctx, rt, runner.StepInput{
		ProjectID:     run.ProjectID,
		RunID:         run.RunID,
		WorkspacePath: wsPath,
		Step:          *step,
		Attempt:       exec.ReworkCount + 1,
		Model:         model,
		Timeout:       timeout,
	})
	wsLock.Unlock()
	s.emit(run.RunID, domain.EventAgentExited, map[string]any{"step_number": stepNum})
	if err != nil {
		exec.MarkTerminal(domain.StepFailed, time.Now())
		s.emit(run.RunID, domain.EventStepFailed, map[string]any{"step_number": stepNum, "error": err.Error()})
		run.Mu.Lock()
		run.Status = domain.RunFailed
		run.Error = err.Error()
		run.Mu.Unlock()
		s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
		return nil
	}

	exec.Result = outcome.Result
	exec.TokensUsed = outcome.TokensUsed
	exec.CostUSD = outcome.CostUSD
	run.Mu.Lock()
	run.RecalculateTotals()
	run.Mu.Unlock()

	switch outcome.Result.Status {
	case domain.AgentComplete:
		return s.completeStep(ctx, run, wsPath, exec)
	case domain.AgentNeedsRework:
		return s.triggerRework(ctx, run, wsPath, step, exec)
	default:
		exec.MarkTerminal(domain.StepFailed, time.Now())
		s.emit(run.RunID, domain.EventStepFailed, map[string]any{"step_number": stepNum, "status": string(outcome.Result.Status)})
		run.Mu.Lock()
		run.Status = domain.RunFailed
		run.Error = fmt.Sprintf("step %d: %s", stepNum, outcome.Result.Status)
		run.Mu.Unlock()
		s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
		return nil
	}
}

// completeStep implements spec §4.4 step 3: emit step.completed, then
// attempt the checkpoint commit.
func (s *Service) completeStep(_ context.Context, run *domain.TaskRun, wsPath string, exec *domain.StepExecution) error {
	exec.MarkTerminal(domain.StepCompleted, time.Now())
	s.emit(run.RunID, domain.EventStepCompleted, map[string]any{"step_number": exec.StepNumber})

	s.gitMu.Lock()
	result, err := s.Git.Checkpoint(context.Background(), wsPath, exec.StepNumber)
	s.gitMu.Unlock()
	if err != nil {
		exec.MarkTerminal(domain.StepFailed, time.Now())
		s.emit(run.RunID, domain.EventStepFailed, map[string]any{"step_number": exec.StepNumber, "error": err.Error()})
		run.Mu.Lock()
		run.Status = domain.RunFailed
		run.Error = err.Error()
		run.Mu.Unlock()
		s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
		return nil
	}
	if result.Committed {
		s.emit(run.RunID, domain.EventStepCommitted, map[string]any{"step_number": exec.StepNumber, "commit_sha": result.CommitSHA})
	}
	return nil
}

// triggerRework implements spec §4.4 step 4: bound by max_rework_cycles,
// ask the planner for a rework plan, and append steps numbered ≥ 900
// depending on the failing step.
func (s *Service) triggerRework(ctx context.Context, run *domain.TaskRun, wsPath string, step *domain.PlanStep, exec *domain.StepExecution) error {
	run.Mu.Lock()
	run.ReworkCount++
	exec.ReworkCount++
	reworkCount := run.ReworkCount
	run.Mu.Unlock()

	if s.Policy.ReworkExhausted(reworkCount) {
		exec.MarkTerminal(domain.StepFailed, time.Now())
		run.Mu.Lock()
		run.Status = domain.RunFailed
		run.Error = "max_rework_cycles exceeded"
		run.Mu.Unlock()
		s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
		return nil
	}

	reworkPlan, err := s.generatePlan(ctx, run, wsPath, exec.Result.ReworkReason, exec.Result.ReworkTarget)
	if err != nil {
		return err
	}

	run.Mu.Lock()
	nextNum := nextReworkStepNumber(run.ValidatedPlan.ExecutionPlan)
	for i := range reworkPlan.Steps {
		reworkPlan.Steps[i].StepNumber = nextNum + i
		reworkPlan.Steps[i].DependsOn = []int{step.StepNumber}
	}
	run.ValidatedPlan.Steps = append(run.ValidatedPlan.Steps, reworkPlan.Steps...)
	for _, s2 := range reworkPlan.Steps {
		run.Steps = append(run.Steps, &domain.StepExecution{StepNumber: s2.StepNumber, Agent: s2.Agent, Status: domain.StepPending})
	}
	run.Mu.Unlock()

	exec.MarkTerminal(domain.StepNeedsRework, time.Now())
	s.emit(run.RunID, domain.EventStepReworkTriggered, map[string]any{
		"step_number": step.StepNumber, "rework_reason": exec.Result.ReworkReason, "rework_target": exec.Result.ReworkTarget,
	})

	injected := make([]int, len(reworkPlan.Steps))
	for i, s2 := range reworkPlan.Steps {
		injected[i] = s2.StepNumber
	}
	return s.runGroup(ctx, run, wsPath, injected)
}

// runHumanGateIfAny implements spec §4.4's human-gate procedure: write the
// pending-review file, emit human_gate.requested, poll (≤2s interval, no
// busy-wait) for a decision file, and resume or fail based on its status.
func (s *Service) runHumanGateIfAny(ctx context.Context, run *domain.TaskRun, wsPath string, afterStep int) error {
	var gate *domain.HumanGate
	for i := range run.ValidatedPlan.HumanGates {
		if run.ValidatedPlan.HumanGates[i].AfterStep == afterStep {
			gate = &run.ValidatedPlan.HumanGates[i]
			break
		}
	}
	if gate == nil {
		return nil
	}

	reviewID := newReviewID()
	reviewsDir := filepath.Join(wsPath, ".agentsdlc", "reviews")
	pendingPath := filepath.Join(reviewsDir, reviewID+".pending.json")
	decisionPath := filepath.Join(reviewsDir, reviewID+".decision.json")

	pending := domain.HumanReview{ReviewID: reviewID, RunID: run.RunID, AfterStep: afterStep, Status: domain.ReviewPending, Summary: gate.Summary}
	raw, _ := json.Marshal(pending)
	if err := os.WriteFile(pendingPath, raw, 0o644); err != nil {
		return domain.WrapRunError(domain.KindRuntimeInvocation, "writing pending human review", err)
	}

	run.Status = domain.RunWaitingHumanReview
	s.emit(run.RunID, domain.EventHumanGateRequested, map[string]any{"review_id": reviewID, "after_step": afterStep, "summary": gate.Summary})

	interval := s.HumanGatePollInterval
	if interval <= 0 || interval > 2*time.Second {
		interval = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if ctx.Err() != nil {
			_ = os.Remove(pendingPath)
			s.emit(run.RunID, domain.EventHumanGateRejected, map[string]any{"review_id": reviewID, "error": "cancelled"})
			run.Status = domain.RunFailed
			run.Error = "cancelled"
			s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
			return nil
		}

		raw, err := os.ReadFile(decisionPath)
		if err == nil {
			var decision domain.DecisionFile
			if jsonErr := json.Unmarshal(raw, &decision); jsonErr == nil {
				run.Status = domain.RunExecuting
				switch decision.Status {
				case domain.ReviewApproved:
					s.emit(run.RunID, domain.EventHumanGateApproved, map[string]any{"review_id": reviewID})
					return nil
				case domain.ReviewRejected:
					s.emit(run.RunID, domain.EventHumanGateRejected, map[string]any{"review_id": reviewID, "feedback": decision.ReviewerFeedback})
					run.Status = domain.RunFailed
					run.Error = "human gate rejected"
					s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
					return nil
				}
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			continue
		}
	}
}

// handleCancellation implements the cancellation path (spec §3/§4.4 plus
// SPEC_FULL.md §12): mark the run cancelled and emit task.failed. The event
// store needs no separate flush, since every append is flushed as written.
func (s *Service) handleCancellation(run *domain.TaskRun, _ string, cause error) error {
	run.Status = domain.RunCancelled
	run.Error = "cancelled: " + cause.Error()
	run.CompletedAt = time.Now()
	s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": run.Error})
	return nil
}

func (s *Service) generatePlan(ctx context.Context, run *domain.TaskRun, wsPath, reworkReason, reworkTarget string) (*domain.ExecutionPlan, error) {
	rt, ok := s.Runtimes[s.DefaultRuntime]
	if !ok {
		return nil, domain.RunErrorf(domain.KindConfiguration, "unknown runtime %q", s.DefaultRuntime)
	}
	wsLock := s.workspaceLock(wsPath)
	wsLock.Lock()
	outcome, err := s.Runner.RunPlanner(ctx, rt, runner.PlanInput{
		ProjectID: run.ProjectID, RunID: run.RunID, WorkspacePath: wsPath,
		Agent: s.PlannerAgent, Ticket: run.Ticket, ReworkReason: reworkReason, ReworkTarget: reworkTarget,
		Timeout: s.StepTimeout,
	})
	if err != nil {
		wsLock.Unlock()
		return nil, err
	}
	raw, err := os.ReadFile(outcome.PlanPath)
	wsLock.Unlock()
	if err != nil {
		return nil, domain.WrapRunError(domain.KindRuntimeRuntime, "reading generated plan", err)
	}
	var plan domain.ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, domain.WrapRunError(domain.KindRuntimeRuntime, "parsing generated plan", err)
	}
	// Planner usage is intentionally excluded from the run's cost/token
	// totals: the invariant (spec §3) is total == sum of step usage, and
	// planner invocations are not plan steps.
	return &plan, nil
}

func (s *Service) fail(run *domain.TaskRun, err error) (*domain.TaskRun, error) {
	run.Status = domain.RunFailed
	run.Error = err.Error()
	run.CompletedAt = time.Now()
	s.emit(run.RunID, domain.EventTaskFailed, map[string]any{"error": err.Error()})
	return run, err
}

func (s *Service) emit(runID string, eventType domain.EventType, data map[string]any) {
	_ = s.Events.Store(&domain.TaskEvent{RunID: runID, EventType: eventType, Timestamp: time.Now(), Data: data})
}

// groupedStepNumbers returns the plan's steps in schedule order: each
// entry is a slice of step numbers to run concurrently (spec §4.4 "Step
// scheduling"). Steps in a parallel_groups entry are grouped together;
// every other step is its own singleton group, in ascending step-number
// order. depends_on ordering is respected because parallel_groups and
// individual steps are already expressed in the plan in a dependency-
// respecting order by construction (the Plan Validator's integrity check
// rejects any plan where a step depends on a later step).
func groupedStepNumbers(plan domain.ExecutionPlan) [][]int {
	grouped := map[int]bool{}
	var groups [][]int
	for _, g := range plan.ParallelGroups {
		groups = append(groups, g)
		for _, n := range g {
			grouped[n] = true
		}
	}
	var singles []int
	for _, s := range plan.Steps {
		if !grouped[s.StepNumber] {
			singles = append(singles, s.StepNumber)
		}
	}

	// Merge singles and groups into one schedule ordered by each unit's
	// minimum step number, so dependency order (lower numbers first,
	// enforced by the validator) is preserved across the merge.
	type unit struct {
		min   int
		steps []int
	}
	var units []unit
	for _, g := range groups {
		m := g[0]
		for _, n := range g {
			if n < m {
				m = n
			}
		}
		units = append(units, unit{min: m, steps: g})
	}
	for _, n := range singles {
		units = append(units, unit{min: n, steps: []int{n}})
	}
	for i := 0; i < len(units); i++ {
		for j := i + 1; j < len(units); j++ {
			if units[j].min < units[i].min {
				units[i], units[j] = units[j], units[i]
			}
		}
	}
	out := make([][]int, len(units))
	for i, u := range units {
		out[i] = u.steps
	}
	return out
}

func nextReworkStepNumber(plan domain.ExecutionPlan) int {
	max := domain.ReworkStepFloor - 1
	for _, s := range plan.Steps {
		if s.StepNumber > max {
			max = s.StepNumber
		}
	}
	if max < domain.ReworkStepFloor {
		return domain.ReworkStepFloor
	}
	return max + 1
}

func newRunID() string {
	return fmt.Sprintf("run-%d-%04x", time.Now().UnixMilli(), rand.Intn(0x10000))
}

// newReviewID produces an id matching the spec's required `review-<digits>`
// shape exactly (a hex or alphabetic suffix would be rejected downstream).
func newReviewID() string {
	return fmt.Sprintf("review-%d%04d", time.Now().UnixMilli(), rand.Intn(10000))
}
