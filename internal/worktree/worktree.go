// Package worktree manages isolated git checkouts, one per in-flight task:
// creation off origin/main, branch-collision recovery, commit-and-push,
// and orphan cleanup.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/gitclient"
)

// dirPattern matches the worktree directory naming scheme:
// agent-{agentID}-issue-{issueNumber}.
var dirPattern = regexp.MustCompile(`^agent-(\d+)-issue-(\d+)$`)

// Manager creates, commits to, and removes isolated worktrees rooted under
// <parentDir>/.agent-worktrees.
type Manager struct {
	repoDir   string
	parentDir string
	git       *gitclient.Client
}

// New creates a manager. repoDir is the primary checkout that worktrees are
// added from; parentDir is the directory .agent-worktrees lives under,
// normally a sibling of the workspace root.
func New(repoDir, parentDir string) *Manager {
	return &Manager{
		repoDir:   repoDir,
		parentDir: parentDir,
		git:       gitclient.New(repoDir),
	}
}

func (m *Manager) worktreesRoot() string {
	return filepath.Join(m.parentDir, ".agent-worktrees")
}

func (m *Manager) pathFor(agentID string, issueNumber int) string {
	return filepath.Join(m.worktreesRoot(), fmt.Sprintf("agent-%s-issue-%d", agentID, issueNumber))
}

func branchFor(agentID string, issueNumber int) string {
	return fmt.Sprintf("agent-%s/issue-%d", agentID, issueNumber)
}

// CreateWorktree creates a fresh worktree for (agentID, issueNumber). Any
// stale directory at the target path is removed first. If the branch name
// already exists, it retries once with a timestamp suffix.
func (m *Manager) CreateWorktree(ctx context.Context, agentID string, issueNumber int) (domain.WorktreeInfo, error) {
	path := m.pathFor(agentID, issueNumber)

	if _, err := os.Stat(path); err == nil {
		if _, rmErr := m.git.Run(ctx, "worktree", "remove", "--force", path); rmErr != nil {
			_ = os.RemoveAll(path)
		}
	}

	if _, err := m.git.Run(ctx, "fetch", "origin", "main"); err != nil {
		return domain.WorktreeInfo{}, fmt.Errorf("worktree: fetching origin main: %w", err)
	}

	branch := branchFor(agentID, issueNumber)
	if err := os.MkdirAll(m.worktreesRoot(), 0o755); err != nil {
		return domain.WorktreeInfo{}, fmt.Errorf("worktree: creating worktrees root: %w", err)
	}

	_, err := m.git.Run(ctx, "worktree", "add", "-b", branch, path, "origin/main")
	if err != nil {
		// Branch already exists: retry once with a timestamp suffix.
		branch = fmt.Sprintf("%s-%d", branch, time.Now().UnixNano())
		_, retryErr := m.git.Run(ctx, "worktree", "add", "-b", branch, path, "origin/main")
		if retryErr != nil {
			return domain.WorktreeInfo{}, fmt.Errorf("worktree: creating worktree (retry after %v): %w", err, retryErr)
		}
	}

	return domain.WorktreeInfo{
		Path:        path,
		Branch:      branch,
		AgentID:     agentID,
		IssueNumber: issueNumber,
	}, nil
}

// CommitAndPush stages everything, commits with message, and pushes with
// upstream set to the current branch. Push failures preserve git's stderr.
func (m *Manager) CommitAndPush(ctx context.Context, path, message string) error {
	wt := m.git.WithDir(path)

	if _, err := wt.Run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("worktree: staging changes: %w", err)
	}
	if _, err := wt.Run(ctx, "commit", "-m", message); err != nil {
		return fmt.Errorf("worktree: committing: %w", err)
	}

	branch, err := wt.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("worktree: resolving current branch: %w", err)
	}
	if _, err := wt.Run(ctx, "push", "--set-upstream", "origin", branch); err != nil {
		return fmt.Errorf("worktree: pushing: %w", err)
	}
	return nil
}

// RemoveWorktree removes the worktree registration and always runs a
// prune afterward. If `worktree remove --force` fails, it falls back to a
// recursive directory delete.
func (m *Manager) RemoveWorktree(ctx context.Context, path string) error {
	_, err := m.git.Run(ctx, "worktree", "remove", "--force", path)
	if err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			_, _ = m.git.Run(ctx, "worktree", "prune")
			return fmt.Errorf("worktree: remove failed (%v) and fallback rmdir failed: %w", err, rmErr)
		}
	}
	_, _ = m.git.Run(ctx, "worktree", "prune")
	return nil
}

// CleanupOrphanedWorktrees best-effort removes every subdirectory under the
// worktrees root and returns the count removed.
func (m *Manager) CleanupOrphanedWorktrees(ctx context.Context) int {
	root := m.worktreesRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := m.RemoveWorktree(ctx, path); err == nil {
			removed++
		}
	}
	return removed
}

// ActiveWorktree is one entry from ListActiveWorktrees.
type ActiveWorktree struct {
	AgentID     string
	IssueNumber int
	Branch      string
	Path        string
}

// ListActiveWorktrees parses directory names matching the naming scheme and
// reads the active branch from each. Entries whose branch lookup fails are
// skipped.
func (m *Manager) ListActiveWorktrees(ctx context.Context) []ActiveWorktree {
	root := m.worktreesRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var active []ActiveWorktree
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := dirPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		issueNumber, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		path := filepath.Join(root, entry.Name())
		branch, err := m.git.WithDir(path).CurrentBranch(ctx)
		if err != nil {
			continue
		}
		active = append(active, ActiveWorktree{
			AgentID:     match[1],
			IssueNumber: issueNumber,
			Branch:      branch,
			Path:        path,
		})
	}
	return active
}
