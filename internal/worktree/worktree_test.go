package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupRemoteAndClone creates a bare "origin" repo with one commit on main
// and a working clone pointing at it, mirroring the fetch/checkout shape
// CreateWorktree expects.
func setupRemoteAndClone(t *testing.T) (repoDir, parentDir string) {
	t.Helper()
	root := t.TempDir()
	remote := filepath.Join(root, "origin.git")
	clone := filepath.Join(root, "clone")
	parent := filepath.Join(root, "parent")

	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	require.NoError(t, os.MkdirAll(remote, 0o755))
	require.NoError(t, os.MkdirAll(parent, 0o755))
	run(remote, "init", "--bare", "-b", "main")

	scratch := filepath.Join(root, "scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	run(scratch, "init", "-b", "main")
	run(scratch, "config", "user.email", "test@example.com")
	run(scratch, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "README.md"), []byte("hello"), 0o644))
	run(scratch, "add", "-A")
	run(scratch, "commit", "-m", "init")
	run(scratch, "remote", "add", "origin", remote)
	run(scratch, "push", "origin", "main")

	run(root, "clone", remote, clone)
	run(clone, "config", "user.email", "test@example.com")
	run(clone, "config", "user.name", "test")

	return clone, parent
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := New(repoDir, parentDir)
	ctx := context.Background()

	info, err := mgr.CreateWorktree(ctx, "1", 42)
	require.NoError(t, err)
	require.Equal(t, "agent-1/issue-42", info.Branch)

	_, err = os.Stat(info.Path)
	require.NoError(t, err)

	branch := mgr.git.WithDir(info.Path)
	head, err := branch.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, info.Branch, head)

	require.NoError(t, mgr.RemoveWorktree(ctx, info.Path))
	_, err = os.Stat(info.Path)
	require.True(t, os.IsNotExist(err))
}

func TestCreateWorktreeRetriesWithTimestampSuffixOnBranchCollision(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := New(repoDir, parentDir)
	ctx := context.Background()

	first, err := mgr.CreateWorktree(ctx, "1", 42)
	require.NoError(t, err)
	require.Equal(t, "agent-1/issue-42", first.Branch)
	require.NoError(t, mgr.RemoveWorktree(ctx, first.Path))

	// The branch outlives the removed worktree, so the next create for the
	// same (agent, issue) pair collides and must retry with a suffix.
	second, err := mgr.CreateWorktree(ctx, "1", 42)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(second.Branch, "agent-1/issue-42-"),
		"expected a suffixed branch, got %q", second.Branch)
	require.NotEqual(t, first.Branch, second.Branch)

	head, err := mgr.git.WithDir(second.Path).CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, second.Branch, head)

	require.NoError(t, mgr.RemoveWorktree(ctx, second.Path))
}

func TestCleanupOrphanedWorktreesRemovesAllAndCounts(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := New(repoDir, parentDir)
	ctx := context.Background()

	_, err := mgr.CreateWorktree(ctx, "1", 1)
	require.NoError(t, err)
	_, err = mgr.CreateWorktree(ctx, "2", 2)
	require.NoError(t, err)

	removed := mgr.CleanupOrphanedWorktrees(ctx)
	require.Equal(t, 2, removed)

	entries, err := os.ReadDir(mgr.worktreesRoot())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestListActiveWorktreesSkipsUnmatchedDirs(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := New(repoDir, parentDir)
	ctx := context.Background()

	_, err := mgr.CreateWorktree(ctx, "7", 9)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(mgr.worktreesRoot(), "not-a-worktree-dir"), 0o755))

	active := mgr.ListActiveWorktrees(ctx)
	require.Len(t, active, 1)
	require.Equal(t, "7", active[0].AgentID)
	require.Equal(t, 9, active[0].IssueNumber)
}
