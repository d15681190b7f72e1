// Package gitmanager implements the per-step checkpoint commit: stage and
// commit any dirty files in a run's workspace (spec §4.4 step 3, §6
// Checkpoint). It shells out to the git binary with an explicit, minimal
// environment, the same pattern bartekus-stagecraft's internal/git adapter
// uses for deterministic git interaction rather than a pure-Go git library.
package gitmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

const (
	commitAuthorName  = "agentsdlc-bot"
	commitAuthorEmail = "agentsdlc-bot@users.noreply.local"
)

// Manager performs stage-and-commit-if-dirty checkpoints inside a run's
// workspace directory.
type Manager struct {
	logger telemetry.Logger
}

// New constructs a Manager.
func New(logger telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{logger: logger}
}

// EnsureRepo initializes workspacePath as a git repository if it is not
// already one. Run workspaces are expected to already be a clone of the
// target codebase in production; this is a fallback for workspaces created
// from scratch (e.g. in tests, or a ticket with no existing repository).
func (m *Manager) EnsureRepo(ctx context.Context, workspacePath string) error {
	if _, err := os.Stat(filepath.Join(workspacePath, ".git")); err == nil {
		return nil
	}
	if err := m.run(ctx, workspacePath, "init"); err != nil {
		return domain.WrapRunError(domain.KindGit, "git init failed", err)
	}
	return nil
}

// CheckpointResult reports what a checkpoint attempt did.
type CheckpointResult struct {
	// Committed is true iff a new commit was created.
	Committed bool
	// CommitSHA is set iff Committed is true.
	CommitSHA string
}

// Checkpoint stages every dirty file under workspacePath and commits if
// anything was staged. If nothing is dirty, it is a no-op: no commit is
// created and no error is raised (spec §8 property 6). Commit failures are
// surfaced as a *domain.RunError tagged KindGit; they are never swallowed
// (spec §7).
func (m *Manager) Checkpoint(ctx context.Context, workspacePath string, stepNumber int) (CheckpointResult, error) {
	if err := m.run(ctx, workspacePath, "add", "-A"); err != nil {
		return CheckpointResult{}, domain.WrapRunError(domain.KindGit, "git add failed", err)
	}

	dirty, err := m.hasStaged(ctx, workspacePath)
	if err != nil {
		return CheckpointResult{}, domain.WrapRunError(domain.KindGit, "git diff --cached failed", err)
	}
	if !dirty {
		return CheckpointResult{}, nil
	}

	msg := fmt.Sprintf("checkpoint: step %d", stepNumber)
	if err := m.run(ctx, workspacePath, "commit", "-m", msg); err != nil {
		return CheckpointResult{}, domain.WrapRunError(domain.KindGit, "git commit failed", err)
	}

	sha, err := m.revParseHead(ctx, workspacePath)
	if err != nil {
		return CheckpointResult{}, domain.WrapRunError(domain.KindGit, "git rev-parse HEAD failed", err)
	}

	m.logger.Info(ctx, "checkpoint committed", "step", stepNumber, "sha", sha)
	return CheckpointResult{Committed: true, CommitSHA: sha}, nil
}

// hasStaged reports whether the index has any staged changes relative to HEAD.
func (m *Manager) hasStaged(ctx context.Context, workspacePath string) (bool, error) {
	cmd := m.command(ctx, workspacePath, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (m *Manager) revParseHead(ctx context.Context, workspacePath string) (string, error) {
	cmd := m.command(ctx, workspacePath, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) run(ctx context.Context, workspacePath string, args ...string) error {
	cmd := m.command(ctx, workspacePath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) command(ctx context.Context, workspacePath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspacePath
	// Explicit, minimal environment - no implicit inheritance - plus a
	// pinned commit identity so checkpoints never depend on ambient git config.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"LANG=C",
		"LC_ALL=C",
		"GIT_AUTHOR_NAME=" + commitAuthorName,
		"GIT_AUTHOR_EMAIL=" + commitAuthorEmail,
		"GIT_COMMITTER_NAME=" + commitAuthorName,
		"GIT_COMMITTER_EMAIL=" + commitAuthorEmail,
	}
	return cmd
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
