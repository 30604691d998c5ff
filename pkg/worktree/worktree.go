// Package worktree manages per-agent git worktrees. Each agent works on a
// dedicated branch in a dedicated tree so parallel agents never touch the
// same checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"hive/pkg/logx"
)

const gitTimeout = 60 * time.Second

// Manager creates and removes worktrees under a base directory.
type Manager struct {
	// baseDir is the directory holding all agent worktrees (the workspace
	// repos/ dir).
	baseDir string
	logger  *logx.Logger
}

// NewManager returns a worktree manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, logger: logx.NewLogger("worktree")}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Create makes a worktree at <baseDir>/<teamID>-<agentID> on a fresh branch
// agent/<agentID>. If the branch already exists (a prior agent with the
// same id, or a retry after partial failure) the tree attaches to it
// instead of failing.
func (m *Manager) Create(ctx context.Context, agentID, teamID, repoPath string) (string, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree base dir: %w", err)
	}

	path := filepath.Join(m.baseDir, fmt.Sprintf("%s-%s", teamID, agentID))
	branch := "agent/" + agentID

	// Reuse an intact existing tree.
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		m.logger.Debug("worktree %s already exists, reusing", path)
		return path, nil
	}

	if _, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, path); err != nil {
		// Branch collision: attach without -b.
		if _, retryErr := runGit(ctx, repoPath, "worktree", "add", path, branch); retryErr != nil {
			return "", fmt.Errorf("failed to create worktree %s: %w", path, err)
		}
	}
	m.logger.Info("created worktree %s on branch %s", path, branch)
	return path, nil
}

// Remove destroys a worktree. Best-effort: the returned error is for the
// caller to record (the manager emits a removal-failed event); it must not
// abort the caller's loop.
func (m *Manager) Remove(ctx context.Context, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}

	// The parent repo is found from the worktree itself.
	repoDir, err := runGit(ctx, worktreePath, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err == nil {
		repoDir = filepath.Dir(strings.TrimSpace(repoDir))
		if _, err := runGit(ctx, repoDir, "worktree", "remove", "--force", worktreePath); err == nil {
			m.logger.Info("removed worktree %s", worktreePath)
			return nil
		}
	}

	// Fall back to deleting the directory; git prune cleans the metadata on
	// the next worktree operation.
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, err)
	}
	m.logger.Warn("force-deleted worktree directory %s", worktreePath)
	return nil
}
