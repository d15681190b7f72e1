package runtimeadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

// baseRuntime implements the shared prepare/spawn/capture mechanics common
// to every variant (spec §4.3 steps 2-3): write the task file, spawn the
// configured executable with a per-step log file pair and an optional
// debug-metadata sidecar, and enforce the wall-clock timeout. Variants
// construct one through NewBase, supplying an executable name and a
// decodeUsage function for their provider's debug JSON shape.
type baseRuntime struct {
	id           string
	executable   string
	decodeUsage  func(raw json.RawMessage) (Usage, error)
}

// NewBase constructs the shared subprocess-spawning Runtime for a variant:
// id names the variant ("claude", "codex", "bedrock"), executable is the
// CLI binary to spawn per step/plan, and decodeUsage parses that provider's
// debug.json usage object into a Usage value.
func NewBase(id, executable string, decodeUsage func(raw json.RawMessage) (Usage, error)) Runtime {
	return &baseRuntime{id: id, executable: executable, decodeUsage: decodeUsage}
}

func (b *baseRuntime) ID() string { return b.id }

func (b *baseRuntime) Prepare(_ context.Context, step StepContext) (PreparedInvocation, error) {
	taskPath := filepath.Join(step.WorkspacePath, ".agent-task.md")
	if err := os.WriteFile(taskPath, []byte(step.Task), 0o644); err != nil {
		return PreparedInvocation{}, domain.WrapRunError(domain.KindRuntimeInvocation, "writing agent task file", err)
	}

	env := os.Environ()
	for k, v := range step.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return PreparedInvocation{Prompt: taskPath, Env: env, Cwd: step.WorkspacePath}, nil
}

func (b *baseRuntime) stepLogPaths(step StepContext) (stdout, stderr, debug string) {
	base := fmt.Sprintf(".%s-runtime.step-%d.attempt-%d", b.id, step.StepNumber, step.Attempt)
	return filepath.Join(step.WorkspacePath, base+".stdout.log"),
		filepath.Join(step.WorkspacePath, base+".stderr.log"),
		filepath.Join(step.WorkspacePath, base+".debug.json")
}

func (b *baseRuntime) RunStep(ctx context.Context, step StepContext) (StepResult, error) {
	prepared, err := b.Prepare(ctx, step)
	if err != nil {
		return StepResult{}, err
	}

	stdoutPath, stderrPath, debugPath := b.stepLogPaths(step)
	result, err := b.spawn(ctx, prepared, []string{"--task-file", prepared.Prompt, "--model", step.Model}, step.Timeout, stdoutPath, stderrPath, debugPath)
	if err != nil {
		return StepResult{}, err
	}

	usage, model := b.readDebugSidecar(debugPath)
	return StepResult{
		ExitCode:   result.exitCode,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		DurationMs: result.durationMs,
		Usage:      usage,
		RuntimeID:  b.id,
		Model:      firstNonEmpty(model, step.Model),
	}, nil
}

func (b *baseRuntime) RunPlanner(ctx context.Context, planCtx PlanContext) (PlanGenerationResult, error) {
	planPath := filepath.Join(planCtx.WorkspacePath, fmt.Sprintf(".%s-runtime.plan.json", b.id))
	stdoutPath := filepath.Join(planCtx.WorkspacePath, fmt.Sprintf(".%s-runtime.plan.stdout.log", b.id))
	stderrPath := filepath.Join(planCtx.WorkspacePath, fmt.Sprintf(".%s-runtime.plan.stderr.log", b.id))
	debugPath := filepath.Join(planCtx.WorkspacePath, fmt.Sprintf(".%s-runtime.plan.debug.json", b.id))

	args := []string{"--plan-out", planPath, "--model", planCtx.Model}
	if planCtx.ReworkReason != "" {
		args = append(args, "--rework-reason", planCtx.ReworkReason, "--rework-target", planCtx.ReworkTarget)
	}

	prepared := PreparedInvocation{Cwd: planCtx.WorkspacePath, Env: os.Environ()}
	result, err := b.spawn(ctx, prepared, args, planCtx.Timeout, stdoutPath, stderrPath, debugPath)
	if err != nil {
		return PlanGenerationResult{}, err
	}

	usage, model := b.readDebugSidecar(debugPath)
	return PlanGenerationResult{
		ExitCode:   result.exitCode,
		PlanPath:   planPath,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		DurationMs: result.durationMs,
		Usage:      usage,
		RuntimeID:  b.id,
		Model:      firstNonEmpty(model, planCtx.Model),
	}, nil
}

type spawnResult struct {
	exitCode   int
	durationMs int64
}

// spawn runs the configured executable, streaming stdout/stderr to the
// given log files, and enforces the wall-clock timeout (spec §4.3
// "Timeouts"): a step exceeding its budget has its child terminated and the
// call returns a KindTimeout error with message "timeout:<ms>".
func (b *baseRuntime) spawn(ctx context.Context, prepared PreparedInvocation, args []string, timeout time.Duration, stdoutPath, stderrPath, _ string) (spawnResult, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	outFile, err := os.Create(stdoutPath)
	if err != nil {
		return spawnResult{}, domain.WrapRunError(domain.KindRuntimeInvocation, "opening stdout log", err)
	}
	defer outFile.Close()
	errFile, err := os.Create(stderrPath)
	if err != nil {
		return spawnResult{}, domain.WrapRunError(domain.KindRuntimeInvocation, "opening stderr log", err)
	}
	defer errFile.Close()

	cmd := exec.CommandContext(runCtx, b.executable, args...)
	cmd.Dir = prepared.Cwd
	cmd.Env = prepared.Env
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return spawnResult{}, domain.RunErrorf(domain.KindTimeout, "timeout:%d", timeout.Milliseconds())
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return spawnResult{exitCode: 0, durationMs: duration.Milliseconds()}, nil
	case errors.As(runErr, &exitErr):
		return spawnResult{exitCode: exitErr.ExitCode(), durationMs: duration.Milliseconds()}, nil
	default:
		return spawnResult{}, domain.WrapRunError(domain.KindRuntimeInvocation, "spawning "+b.executable, runErr)
	}
}

// readDebugSidecar decodes the optional debug.json written by the
// subprocess (spec §4.3 step 3). Absence is not an error: usage falls back
// to an inexact zero value the Agent Runner will approximate from stdout.
func (b *baseRuntime) readDebugSidecar(path string) (Usage, string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Usage{}, ""
	}
	var envelope struct {
		Model string          `json:"model"`
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Usage{}, ""
	}
	if len(envelope.Usage) == 0 || b.decodeUsage == nil {
		return Usage{}, envelope.Model
	}
	usage, err := b.decodeUsage(envelope.Usage)
	if err != nil {
		return Usage{}, envelope.Model
	}
	usage.Exact = true
	return usage, envelope.Model
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
