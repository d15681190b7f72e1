package runtimeadapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

func decodeTestUsage(raw json.RawMessage) (Usage, error) {
	var v struct {
		In  int64 `json:"in"`
		Out int64 `json:"out"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Usage{}, err
	}
	return Usage{InputTokens: v.In, OutputTokens: v.Out, TotalTokens: v.In + v.Out}, nil
}

func TestRunStep_ExitCodeAndLogsCaptured(t *testing.T) {
	ws := t.TempDir()

	// baseRuntime.spawn invokes `<executable> --task-file <path> --model
	// <model>`; this script ignores its arguments and exits 0, which is
	// enough to exercise the capture path without a real agent binary.
	scriptPath := filepath.Join(ws, "ok-agent.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	rt := NewBase("test", scriptPath, decodeTestUsage)

	step := StepContext{
		WorkspacePath: ws,
		StepNumber:    1,
		Attempt:       1,
		Task:          "do the thing",
		Model:         "m1",
	}

	result, err := rt.RunStep(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.FileExists(t, result.StdoutPath)
	assert.FileExists(t, result.StderrPath)
	assert.Equal(t, "test", result.RuntimeID)
}

func TestRunStep_DebugSidecarExactUsage(t *testing.T) {
	ws := t.TempDir()
	rt := NewBase("test", "sh", decodeTestUsage)

	step := StepContext{WorkspacePath: ws, StepNumber: 2, Attempt: 1, Task: "t", Model: "m1"}
	debugPath := filepath.Join(ws, ".test-runtime.step-2.attempt-1.debug.json")

	// Write the sidecar after Prepare would run but before the process
	// actually produces it in a real runtime; here we pre-seed it since `sh`
	// will not write one itself.
	require.NoError(t, os.WriteFile(debugPath, []byte(`{"model":"m1-resolved","usage":{"in":10,"out":5}}`), 0o644))

	result, err := rt.RunStep(context.Background(), step)
	require.NoError(t, err)
	assert.True(t, result.Usage.Exact)
	assert.Equal(t, int64(10), result.Usage.InputTokens)
	assert.Equal(t, int64(5), result.Usage.OutputTokens)
	assert.Equal(t, "m1-resolved", result.Model)
}

func TestRunStep_TimeoutProducesKindTimeoutError(t *testing.T) {
	ws := t.TempDir()

	// A script that ignores its arguments and sleeps well past the
	// configured timeout, so the test exercises the context-deadline path
	// regardless of the fixed --task-file/--model flags RunStep appends.
	scriptPath := filepath.Join(ws, "slow-agent.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	rt := NewBase("test", scriptPath, decodeTestUsage)
	step := StepContext{WorkspacePath: ws, StepNumber: 1, Attempt: 1, Task: "t", Model: "m1", Timeout: 20 * time.Millisecond}

	_, err := rt.RunStep(context.Background(), step)
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindTimeout, kind)
	assert.Contains(t, err.Error(), "timeout:20")
}
