package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
)

// fakeRuntime is a deterministic runtimeadapter.Runtime stub that lets the
// runner tests drive each code path (exact usage, missing result file,
// breaker trips) without spawning a subprocess.
type fakeRuntime struct {
	id         string
	stepResult runtimeadapter.StepResult
	stepErr    error
	planResult runtimeadapter.PlanGenerationResult
	planErr    error
	calls      int
}

func (f *fakeRuntime) ID() string { return f.id }

func (f *fakeRuntime) Prepare(context.Context, runtimeadapter.StepContext) (runtimeadapter.PreparedInvocation, error) {
	return runtimeadapter.PreparedInvocation{}, nil
}

func (f *fakeRuntime) RunStep(context.Context, runtimeadapter.StepContext) (runtimeadapter.StepResult, error) {
	f.calls++
	return f.stepResult, f.stepErr
}

func (f *fakeRuntime) RunPlanner(context.Context, runtimeadapter.PlanContext) (runtimeadapter.PlanGenerationResult, error) {
	f.calls++
	return f.planResult, f.planErr
}

func TestRunStep_ParsesAgentResult(t *testing.T) {
	ws := t.TempDir()
	resultPath := filepath.Join(ws, ".agent-result.json")
	require.NoError(t, os.WriteFile(resultPath, []byte(`{"status":"complete","summary":"did the thing"}`), 0o644))

	rt := &fakeRuntime{id: "claude", stepResult: runtimeadapter.StepResult{
		ExitCode: 0,
		Usage:    runtimeadapter.Usage{Exact: true, TotalTokens: 42, CostUSD: 0.01},
	}}
	r := New(nil, nil)

	outcome, err := r.RunStep(context.Background(), rt, StepInput{
		ProjectID: "proj", RunID: "run1", WorkspacePath: ws,
		Step: domain.PlanStep{StepNumber: 1, Agent: "developer"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentComplete, outcome.Result.Status)
	assert.Equal(t, int64(42), outcome.TokensUsed)
	assert.Equal(t, 0.01, outcome.CostUSD)
}

func TestRunStep_MissingResultFileAfterSuccessIsNoResultFailure(t *testing.T) {
	ws := t.TempDir()
	rt := &fakeRuntime{id: "claude", stepResult: runtimeadapter.StepResult{ExitCode: 0}}
	r := New(nil, nil)

	outcome, err := r.RunStep(context.Background(), rt, StepInput{
		ProjectID: "proj", RunID: "run1", WorkspacePath: ws,
		Step: domain.PlanStep{StepNumber: 1, Agent: "developer"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentFailed, outcome.Result.Status)
	assert.Equal(t, "no result", outcome.Result.Summary)
}

func TestRunStep_StagesContextInputsBeforeInvocation(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "artifacts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "artifacts", "design.md"), []byte("design notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".agent-result.json"), []byte(`{"status":"complete"}`), 0o644))

	rt := &fakeRuntime{id: "claude", stepResult: runtimeadapter.StepResult{ExitCode: 0}}
	r := New(nil, nil)

	step := domain.PlanStep{
		StepNumber: 2, Agent: "developer",
		Context: []domain.ContextInput{{Kind: domain.ContextInputArtifact, ArtifactName: "design.md"}},
	}
	_, err := r.RunStep(context.Background(), rt, StepInput{ProjectID: "proj", RunID: "run1", WorkspacePath: ws, Step: step})
	require.NoError(t, err)

	staged, err := os.ReadFile(filepath.Join(ws, ".agent-context", "design.md"))
	require.NoError(t, err)
	assert.Equal(t, "design notes", string(staged))
}

func TestRunStep_BreakerTripsAfterConsecutiveFailures(t *testing.T) {
	ws := t.TempDir()
	rt := &fakeRuntime{id: "claude", stepErr: domain.NewRunError(domain.KindRuntimeInvocation, "boom")}
	r := New(nil, nil)

	in := StepInput{ProjectID: "proj", RunID: "run1", WorkspacePath: ws, Step: domain.PlanStep{StepNumber: 1, Agent: "developer"}}

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = r.RunStep(context.Background(), rt, in)
	}
	require.Error(t, lastErr)
	kind, ok := domain.KindOf(lastErr)
	require.True(t, ok)
	assert.Equal(t, domain.KindRuntimeInvocation, kind)
	// The breaker opens after 3 consecutive failures, so the last 2 calls
	// never reach the runtime.
	assert.Equal(t, 3, rt.calls)
}

func TestRunPlanner_ExitNonZeroIsRuntimeRuntimeError(t *testing.T) {
	ws := t.TempDir()
	rt := &fakeRuntime{id: "claude", planResult: runtimeadapter.PlanGenerationResult{ExitCode: 1}}
	r := New(nil, nil)

	_, err := r.RunPlanner(context.Background(), rt, PlanInput{ProjectID: "proj", RunID: "run1", WorkspacePath: ws})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindRuntimeRuntime, kind)
}

func TestRunPlanner_ParsesPlanPath(t *testing.T) {
	ws := t.TempDir()
	planPath := filepath.Join(ws, "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{}`), 0o644))

	rt := &fakeRuntime{id: "claude", planResult: runtimeadapter.PlanGenerationResult{ExitCode: 0, PlanPath: planPath}}
	r := New(nil, nil)

	outcome, err := r.RunPlanner(context.Background(), rt, PlanInput{ProjectID: "proj", RunID: "run1", WorkspacePath: ws})
	require.NoError(t, err)
	assert.Equal(t, planPath, outcome.PlanPath)
}
