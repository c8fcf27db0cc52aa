package execagent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/llmsession"
)

// scriptedSession replays a fixed message sequence for every Run call.
type scriptedSession struct {
	mu   sync.Mutex
	msgs []llmsession.StreamMessage
	reqs []llmsession.Request
}

func (s *scriptedSession) Run(ctx context.Context, req llmsession.Request) (<-chan llmsession.StreamMessage, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	ch := make(chan llmsession.StreamMessage, len(s.msgs))
	for _, m := range s.msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func toolUse(name string, input map[string]any) llmsession.StreamMessage {
	return llmsession.StreamMessage{
		Kind:    llmsession.KindToolUse,
		ToolUse: &llmsession.ToolUse{Name: name, Input: input},
	}
}

func result(subtype string, cost float64, turns int, errs ...string) llmsession.StreamMessage {
	return llmsession.StreamMessage{
		Kind:   llmsession.KindResult,
		Result: &llmsession.Result{Subtype: subtype, TotalCostUSD: cost, NumTurns: turns, Errors: errs},
	}
}

func TestRunAggregatesFilesTouched(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		toolUse("file_write", map[string]any{"file_path": "a.go"}),
		toolUse("file_edit", map[string]any{"path": " b.go "}),
		toolUse("batch", map[string]any{"paths": []any{"c.go", "a.go", ""}}),
		toolUse("move", map[string]any{"source": "d.go", "target": "e.go"}),
		toolUse("misc", map[string]any{"files": []any{"f.go"}, "file": "g.go"}),
		toolUse("noop", map[string]any{"count": 3}),
		result("success", 0.42, 5),
	}}

	agent := New(session)
	res := agent.Run(context.Background(), t.TempDir(), "do it", 1.0, 10, nil, nil)

	require.True(t, res.Success)
	require.Empty(t, res.Error)
	require.InDelta(t, 0.42, res.CostUSD, 1e-9)
	require.Equal(t, 5, res.TurnsUsed)
	require.Equal(t, []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go", "g.go"}, res.FilesTouched)
}

func TestRunReportsToolUseCallback(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		toolUse("file_write", map[string]any{"file_path": "a.go"}),
		result("success", 0.01, 1),
	}}

	var gotName string
	var gotFiles []string
	agent := New(session)
	agent.Run(context.Background(), t.TempDir(), "p", 1.0, 10, nil, func(name string, files []string) {
		gotName = name
		gotFiles = files
	})

	require.Equal(t, "file_write", gotName)
	require.Equal(t, []string{"a.go"}, gotFiles)
}

func TestRunMissingWorktreeFailsBeforeStarting(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{result("success", 0.1, 1)}}
	agent := New(session)

	res := agent.Run(context.Background(), "/nonexistent/worktree/path", "p", 1.0, 10, nil, nil)

	require.False(t, res.Success)
	require.Contains(t, res.Error, "does not exist")
	require.Empty(t, session.reqs, "session must not start when the worktree is missing")
}

func TestRunAbortedPreservesPartialCost(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		toolUse("file_write", map[string]any{"file_path": "a.go"}),
		result("aborted", 0.07, 2, "context canceled"),
	}}

	agent := New(session)
	res := agent.Run(context.Background(), t.TempDir(), "p", 1.0, 10, nil, nil)

	require.False(t, res.Success)
	require.Equal(t, "Execution aborted", res.Error)
	require.InDelta(t, 0.07, res.CostUSD, 1e-9)
	require.Equal(t, 2, res.TurnsUsed)
	require.Equal(t, []string{"a.go"}, res.FilesTouched)
}

func TestRunFailureJoinsErrors(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		result("error", 0.03, 1, "rate limited", "connection reset"),
	}}

	agent := New(session)
	res := agent.Run(context.Background(), t.TempDir(), "p", 1.0, 10, nil, nil)

	require.False(t, res.Success)
	require.Equal(t, "rate limited; connection reset", res.Error)
}

func TestRunFailureWithoutErrorsUsesSubtype(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		result("max_turns_exceeded", 0.9, 40),
	}}

	agent := New(session)
	res := agent.Run(context.Background(), t.TempDir(), "p", 1.0, 40, nil, nil)

	require.False(t, res.Success)
	require.Equal(t, "max_turns_exceeded", res.Error)
}
