package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspacePath returns the checkout directory for a pipeline under the
// configured workspace root. Pipelines are keyed by their container base
// name, which is already slug-safe.
func WorkspacePath(workDir, containerBase string) string {
	return filepath.Join(workDir, containerBase)
}

// resetWorkspace clears and recreates a pipeline workspace so every run
// starts from a fresh clone.
func resetWorkspace(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing workspace %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}
	return nil
}

// RemoveWorkspace deletes a pipeline workspace. Used when a pipeline is
// deleted so stale checkouts do not accumulate.
func RemoveWorkspace(workDir, containerBase string) error {
	return os.RemoveAll(WorkspacePath(workDir, containerBase))
}
