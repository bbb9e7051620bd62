// Package worktree implements the per-task git worktree lifecycle (§4.6):
// isolated working directories under a workspace root, created before
// dispatch and removed on completion or abort.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
	"github.com/stoneforge-ai/stoneforge-sub016/internal/git"
)

const worktreesDir = ".worktrees"

// Manager owns the worktrees under one workspace root's R/.worktrees/
// directory, backed by a git.Git pointed at the root repository.
type Manager struct {
	root string
	git  *git.Git
}

// New builds a Manager for the repository at root.
func New(root string) *Manager {
	return &Manager{root: root, git: git.New(root)}
}

// InitWorkspace ensures R/.worktrees/ exists. Idempotent.
func (m *Manager) InitWorkspace() error {
	path := filepath.Join(m.root, worktreesDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return core.NewError(core.CodeDatabaseError, "worktree.initWorkspace", "create .worktrees directory", err)
	}
	return nil
}

// Path returns the worktree directory a task would occupy, without creating
// anything.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.root, worktreesDir, core.SanitizeForPath(taskID))
}

// CreateWorktree creates a new worktree for taskId at
// R/.worktrees/<sanitize(taskId)>, on a fresh branch cut from baseRef. Fails
// if the path already exists unless force is set, in which case any stale
// directory is removed from git's registry first (best-effort; the
// subsequent add still fails loudly if the directory survives).
func (m *Manager) CreateWorktree(taskID, baseRef string, force bool) (string, error) {
	path := m.Path(taskID)
	if _, err := os.Stat(path); err == nil {
		if !force {
			return "", core.NewErrorf(core.CodeAlreadyExists, "worktree.createWorktree",
				"worktree for task %s already exists at %s", taskID, path)
		}
		_ = m.git.RemoveWorktree(path, true)
	}

	branch := git.BranchName(taskID, taskID)
	if err := m.git.CreateWorktree(path, branch, baseRef); err != nil {
		return "", core.NewError(core.CodeDatabaseError, "worktree.createWorktree", "git worktree add", err)
	}
	return path, nil
}

// ListWorktrees returns every worktree git currently tracks for this
// repository.
func (m *Manager) ListWorktrees() ([]git.Worktree, error) {
	wts, err := m.git.ListWorktrees()
	if err != nil {
		return nil, core.NewError(core.CodeDatabaseError, "worktree.listWorktrees", "git worktree list", err)
	}
	return wts, nil
}

// RemoveWorktree detaches path from git and deletes the directory. Best
// effort per §4.6's invariant: a session-termination cleanup path should not
// fail the whole drain step because a worktree was already gone.
func (m *Manager) RemoveWorktree(path string, force bool) error {
	if err := m.git.RemoveWorktree(path, force); err != nil {
		return core.NewError(core.CodeDatabaseError, "worktree.removeWorktree", "git worktree remove", err)
	}
	if err := os.RemoveAll(path); err != nil {
		return core.NewError(core.CodeDatabaseError, "worktree.removeWorktree", fmt.Sprintf("remove directory %s", path), err)
	}
	return nil
}

// RemoveWorktreeForTask is RemoveWorktree keyed by task id, the shape the
// dispatch daemon's drain step actually calls (§5 step 6).
func (m *Manager) RemoveWorktreeForTask(taskID string, force bool) error {
	return m.RemoveWorktree(m.Path(taskID), force)
}
