package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/budget"
	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/execagent"
	"github.com/forgehq/foreman/internal/llmsession"
	"github.com/forgehq/foreman/internal/queue"
	"github.com/forgehq/foreman/internal/reviewagent"
	"github.com/forgehq/foreman/internal/worktree"
)

// setupRemoteAndClone mirrors internal/worktree's own test fixture: a bare
// "origin" with one commit on main and a working clone, since
// Deps.Worktrees is a concrete *worktree.Manager with no test seam.
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

// fakeSession scripts a Session.Run per call index, so a test can give the
// execution agent and the review agent independent, call-counted behavior
// without a real llmbridge.Bridge.
type fakeSession struct {
	mu    sync.Mutex
	calls int
	script func(call int, req llmsession.Request) []llmsession.StreamMessage
}

func (f *fakeSession) Run(ctx context.Context, req llmsession.Request) (<-chan llmsession.StreamMessage, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	msgs := f.script(call, req)
	ch := make(chan llmsession.StreamMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newExecSession returns a session whose execution agent writes a distinct
// file change into req.Cwd on every call, so CommitAndPush's `git add -A &&
// git commit` always has something staged, even across a Working→Reviewing→
// Working bounce.
func newExecSession() *fakeSession {
	return &fakeSession{
		script: func(call int, req llmsession.Request) []llmsession.StreamMessage {
			path := filepath.Join(req.Cwd, "output.txt")
			_ = os.WriteFile(path, []byte(fmt.Sprintf("change %d\n", call)), 0o644)
			return []llmsession.StreamMessage{
				{Kind: llmsession.KindToolUse, ToolUse: &llmsession.ToolUse{
					Name:  "write_file",
					Input: map[string]any{"file_path": path},
				}},
				{Kind: llmsession.KindResult, Result: &llmsession.Result{
					Subtype:      "success",
					TotalCostUSD: 0.10,
					NumTurns:     1,
				}},
			}
		},
	}
}

func newApprovingReviewSession() *fakeSession {
	return &fakeSession{
		script: func(call int, req llmsession.Request) []llmsession.StreamMessage {
			return []llmsession.StreamMessage{
				{Kind: llmsession.KindResult, Result: &llmsession.Result{
					Subtype: "success",
					Text:    `{"approved":true,"criteriaResults":[],"summary":"looks good","testsRan":true,"testsPassed":true}`,
				}},
			}
		},
	}
}

func newRejectThenApproveReviewSession() *fakeSession {
	return &fakeSession{
		script: func(call int, req llmsession.Request) []llmsession.StreamMessage {
			text := `{"approved":false,"criteriaResults":[{"criterion":"does X","passed":false,"feedback":"missing test"}],"summary":"needs work","testsRan":false,"testsPassed":false}`
			if call > 0 {
				text = `{"approved":true,"criteriaResults":[{"criterion":"does X","passed":true,"feedback":"ok"}],"summary":"looks good","testsRan":true,"testsPassed":true}`
			}
			return []llmsession.StreamMessage{
				{Kind: llmsession.KindResult, Result: &llmsession.Result{Subtype: "success", Text: text}},
			}
		},
	}
}

// awaitTasksCompleted polls Snapshot() until TasksCompleted reaches want or
// the deadline expires.
func awaitTasksCompleted(t *testing.T, l *Loop, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if l.Snapshot().TasksCompleted >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for TasksCompleted=%d, got %d", want, l.Snapshot().TasksCompleted)
}

func seededWorkItem() domain.WorkItem {
	return domain.WorkItem{
		ProjectNumber:      1,
		IssueNumber:        42,
		IssueTitle:         "Add X",
		IssueBody:          "Implement X end to end.",
		AcceptanceCriteria: []string{"does X"},
	}
}

func TestHappyPathApprovedFirstTry(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := worktree.New(repoDir, parentDir)

	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")
	q.Seed(seededWorkItem())

	b := budget.New(10, 100, t.TempDir())

	deps := Deps{
		Queue:            q,
		Worktrees:        mgr,
		Budget:           b,
		ExecAgent:        execagent.New(newExecSession()),
		ReviewAgent:      reviewagent.New(newApprovingReviewSession()),
		Owner:            "owner",
		Repo:             "repo",
		IdlePollInterval: 20 * time.Millisecond,
	}

	l := New("1", deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	awaitTasksCompleted(t, l, 1)
	l.Stop()

	snap := l.Snapshot()
	require.Equal(t, 1, snap.TasksCompleted)
	require.Equal(t, 0, snap.ErrorCount)
	require.InDelta(t, 0.10, b.GetDailySpend(), 1e-9)
	require.Empty(t, mgr.ListActiveWorktrees(context.Background()))
}

func TestRejectedThenApproved(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := worktree.New(repoDir, parentDir)

	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")
	q.Seed(seededWorkItem())

	b := budget.New(10, 100, t.TempDir())
	reviewSession := newRejectThenApproveReviewSession()

	deps := Deps{
		Queue:            q,
		Worktrees:        mgr,
		Budget:           b,
		ExecAgent:        execagent.New(newExecSession()),
		ReviewAgent:      reviewagent.New(reviewSession),
		Owner:            "owner",
		Repo:             "repo",
		IdlePollInterval: 20 * time.Millisecond,
	}

	l := New("1", deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)
	awaitTasksCompleted(t, l, 1)
	l.Stop()

	snap := l.Snapshot()
	require.Equal(t, 1, snap.TasksCompleted)
	require.Equal(t, 2, reviewSession.callCount())
	require.InDelta(t, 0.20, b.GetDailySpend(), 1e-9)
	require.Empty(t, mgr.ListActiveWorktrees(context.Background()))
}

func TestAbandonedAfterMaxRetries(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	mgr := worktree.New(repoDir, parentDir)

	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")
	q.Seed(seededWorkItem())

	b := budget.New(10, 100, t.TempDir())
	rejectAlways := &fakeSession{
		script: func(call int, req llmsession.Request) []llmsession.StreamMessage {
			return []llmsession.StreamMessage{
				{Kind: llmsession.KindResult, Result: &llmsession.Result{
					Subtype: "success",
					Text:    `{"approved":false,"criteriaResults":[],"summary":"still broken","testsRan":true,"testsPassed":false}`,
				}},
			}
		},
	}

	deps := Deps{
		Queue:            q,
		Worktrees:        mgr,
		Budget:           b,
		ExecAgent:        execagent.New(newExecSession()),
		ReviewAgent:      reviewagent.New(rejectAlways),
		Owner:            "owner",
		Repo:             "repo",
		IdlePollInterval: 20 * time.Millisecond,
	}

	l := New("1", deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.Run(ctx)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && l.Snapshot().ErrorCount == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	l.Stop()

	snap := l.Snapshot()
	require.Equal(t, 0, snap.TasksCompleted)
	require.Equal(t, 1, snap.ErrorCount)
	require.NotNil(t, snap.LastError)
	require.Contains(t, *snap.LastError, "rejected after")
	require.Empty(t, mgr.ListActiveWorktrees(context.Background()))
}
