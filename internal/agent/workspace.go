package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// Workspaces manages the isolated per-job working directories agents run in.
type Workspaces struct {
	root string
}

// NewWorkspaces creates a Workspaces rooted at root.
func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{root: root}
}

// Path returns the directory for a job's checkout without touching disk.
func (w *Workspaces) Path(job *model.Job) string {
	return filepath.Join(w.root, fmt.Sprintf("%s-%s-%d", job.Owner, job.Repo, job.UnitNumber))
}

// Prepare removes any stale prior checkout for the job and recreates the
// parent directory. Returns the (not yet existing) checkout path for Clone.
func (w *Workspaces) Prepare(job *model.Job) (string, error) {
	dir := w.Path(job)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove stale workspace: %w", err)
	}
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	return dir, nil
}

// Exists reports whether a retained checkout is present for the job.
func (w *Workspaces) Exists(job *model.Job) bool {
	info, err := os.Stat(w.Path(job))
	return err == nil && info.IsDir()
}

// Remove deletes the job's checkout. Runs ending in waiting_for_reply skip
// this so the follow-up reuses the branch state.
func (w *Workspaces) Remove(job *model.Job) error {
	if err := os.RemoveAll(w.Path(job)); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
