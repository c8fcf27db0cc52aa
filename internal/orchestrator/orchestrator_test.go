package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/agentloop"
	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/execagent"
	"github.com/forgehq/foreman/internal/fsm"
	"github.com/forgehq/foreman/internal/llmsession"
	"github.com/forgehq/foreman/internal/queue"
	"github.com/forgehq/foreman/internal/reviewagent"
)

// setupRemoteAndClone mirrors internal/worktree's test fixture: a bare
// "origin" with one commit on main and a working clone.
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

// fakeSession scripts a llmsession.Session.Run call, writing a distinct
// file change into req.Cwd so CommitAndPush always has something staged.
type fakeSession struct {
	resultText   string
	resultCostUSD float64
}

func (f *fakeSession) Run(ctx context.Context, req llmsession.Request) (<-chan llmsession.StreamMessage, error) {
	path := filepath.Join(req.Cwd, "output.txt")
	_ = os.WriteFile(path, []byte(fmt.Sprintf("change at %s\n", domain.NowISO8601())), 0o644)

	ch := make(chan llmsession.StreamMessage, 2)
	ch <- llmsession.StreamMessage{Kind: llmsession.KindToolUse, ToolUse: &llmsession.ToolUse{
		Name: "write_file", Input: map[string]any{"file_path": path},
	}}
	ch <- llmsession.StreamMessage{Kind: llmsession.KindResult, Result: &llmsession.Result{
		Subtype:      "success",
		TotalCostUSD: f.resultCostUSD,
		NumTurns:     1,
		Text:         f.resultText,
	}}
	close(ch)
	return ch, nil
}

func baseDeps(costPerExecUSD float64) agentloop.Deps {
	return agentloop.Deps{
		ExecAgent:   execagent.New(&fakeSession{resultCostUSD: costPerExecUSD}),
		ReviewAgent: reviewagent.New(&fakeSession{resultText: `{"approved":true,"criteriaResults":[],"summary":"ok","testsRan":true,"testsPassed":true}`}),
		Owner:       "owner",
		Repo:        "repo",
		IdlePollInterval: 20 * time.Millisecond,
	}
}

func agentIDs(t *testing.T, o *Orchestrator) []int {
	t.Helper()
	status := o.GetStatus()
	ids := make([]int, 0, len(status.Agents))
	for _, a := range status.Agents {
		ids = append(ids, a.ID)
	}
	sort.Ints(ids)
	return ids
}

func TestBudgetExceededPausesPool(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)

	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")
	q.Seed(domain.WorkItem{IssueNumber: 1, IssueTitle: "Add X", AcceptanceCriteria: []string{"x"}})

	o := New(Config{
		DesiredInstances: 1,
		DailyBudgetUSD:   0.05,
		MonthlyBudgetUSD: 100,
		SessionDir:       t.TempDir(),
		RepoDir:          repoDir,
		RepoParentDir:    parentDir,
		CleanupInterval:  time.Hour,
		StopGrace:        500 * time.Millisecond,
	}, q, baseDeps(0.10), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	deadline := time.Now().Add(10 * time.Second)
	var status Status
	for time.Now().Before(deadline) {
		status = o.GetStatus()
		if len(status.Agents) == 1 && status.Agents[0].State == fsm.Paused {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.Len(t, status.Agents, 1)
	require.Equal(t, fsm.Paused, status.Agents[0].State)
	require.False(t, status.BudgetStatus.IsWithinBudget)

	o.Stop()
}

func TestScaleUpThenDownIsLIFO(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")

	o := New(Config{
		DesiredInstances: 2,
		DailyBudgetUSD:   100,
		MonthlyBudgetUSD: 1000,
		SessionDir:       t.TempDir(),
		RepoDir:          repoDir,
		RepoParentDir:    parentDir,
		CleanupInterval:  time.Hour,
		StopGrace:        500 * time.Millisecond,
	}, q, baseDeps(0.10), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	require.Equal(t, []int{1, 2}, agentIDs(t, o))

	o.SetDesiredInstances(4)
	require.Equal(t, []int{1, 2, 3, 4}, agentIDs(t, o))

	o.SetDesiredInstances(2)
	require.Equal(t, []int{1, 2}, agentIDs(t, o))

	o.SetDesiredInstances(-1)
	require.Equal(t, []int{1, 2}, agentIDs(t, o))
	require.Equal(t, 2, o.GetStatus().DesiredInstances)

	o.Stop()
}

func TestSnapshotForUnknownAgentReturnsBareIdle(t *testing.T) {
	repoDir, parentDir := setupRemoteAndClone(t)
	q := queue.NewMemoryAdapter("owner", "repo", "proj-1")

	o := New(Config{
		DesiredInstances: 0,
		DailyBudgetUSD:   100,
		MonthlyBudgetUSD: 1000,
		SessionDir:       t.TempDir(),
		RepoDir:          repoDir,
		RepoParentDir:    parentDir,
	}, q, baseDeps(0.10), nil, nil)

	sess := o.SnapshotFor("agent-99")
	require.Equal(t, domain.StatusIdle, sess.Status)
	require.Equal(t, "agent-99", sess.AgentID)
	require.NotEmpty(t, sess.LastHeartbeat)
}
