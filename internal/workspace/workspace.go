// Package workspace creates and cleans the per-run directory tree a run
// executes in: <base>/<project>/<run> (spec §4.4, §6).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager creates and removes run workspaces rooted at a configured base
// directory. No third-party dependency covers this narrow concern
// (directory lifecycle); stdlib os/path suffices and is used directly
// (documented in DESIGN.md as a standard-library justification).
type Manager struct {
	base string
}

// New constructs a Manager rooted at base.
func New(base string) *Manager {
	return &Manager{base: base}
}

// Path returns the workspace directory for a given project/run without
// creating it.
func (m *Manager) Path(projectID, runID string) string {
	return filepath.Join(m.base, projectID, runID)
}

// Create creates the workspace directory (and its artifacts/ and
// .agent-context/ subdirectories) per the stable layout in spec §6.
func (m *Manager) Create(projectID, runID string) (string, error) {
	path := m.Path(projectID, runID)
	for _, sub := range []string{"", "artifacts", ".agent-context", ".agentsdlc/reviews"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return "", fmt.Errorf("workspace: create %s: %w", filepath.Join(path, sub), err)
		}
	}
	return path, nil
}

// Clean removes a run's workspace directory entirely. Workspace
// garbage-collection is invoked separately from run completion (spec §3);
// callers decide when it is safe to reclaim disk.
func (m *Manager) Clean(projectID, runID string) error {
	path := m.Path(projectID, runID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("workspace: clean %s: %w", path, err)
	}
	return nil
}
