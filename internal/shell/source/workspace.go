package source

import (
	"fmt"
	"os"
	"path/filepath"
)

// =============================================================================
// Workspaces
// =============================================================================

// Workspaces manages per-deployment build directories under a base path.
// A workspace is created fresh for every run and removed once the deployment
// reaches a terminal status.
type Workspaces struct {
	base string
}

// NewWorkspaces creates the manager, ensuring the base directory exists.
// Relative paths are resolved to absolute ones because build contexts and
// bind mounts both require them.
func NewWorkspaces(base string) (*Workspaces, error) {
	if base == "" {
		base = "/var/lib/slipway/workspaces"
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Workspaces{base: abs}, nil
}

// Path returns the workspace directory for a deployment.
func (w *Workspaces) Path(deploymentID string) string {
	return filepath.Join(w.base, deploymentID)
}

// Create makes a fresh, empty workspace for a deployment, replacing any
// leftover from an earlier attempt.
func (w *Workspaces) Create(deploymentID string) (string, error) {
	dir := w.Path(deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a deployment's workspace.
func (w *Workspaces) Remove(deploymentID string) error {
	if err := os.RemoveAll(w.Path(deploymentID)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
