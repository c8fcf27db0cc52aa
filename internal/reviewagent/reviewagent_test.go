package reviewagent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/llmsession"
)

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

func resultMsg(subtype, text string, errs ...string) llmsession.StreamMessage {
	return llmsession.StreamMessage{
		Kind:   llmsession.KindResult,
		Result: &llmsession.Result{Subtype: subtype, Text: text, Errors: errs},
	}
}

func workItem() domain.WorkItem {
	return domain.WorkItem{
		IssueNumber:        7,
		IssueTitle:         "Add caching",
		IssueBody:          "Cache the hot path.",
		AcceptanceCriteria: []string{"cache hit ratio measured", "no stale reads"},
	}
}

func TestRunParsesApprovedVerdict(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		resultMsg("success", `{"approved":true,"criteriaResults":[{"criterion":"cache hit ratio measured","passed":true,"feedback":"ok"}],"summary":"good","testsRan":true,"testsPassed":true}`),
	}}

	agent := New(session)
	outcome, err := agent.Run(context.Background(), t.TempDir(), workItem(), 0.5, 10, nil, nil)

	require.NoError(t, err)
	require.True(t, outcome.Approved)
	require.Len(t, outcome.CriteriaResults, 1)
	require.True(t, outcome.CriteriaResults[0].Passed)
	require.Equal(t, "good", outcome.Summary)
	require.True(t, outcome.TestsRan)
	require.True(t, outcome.TestsPassed)

	require.Len(t, session.reqs, 1)
	require.Equal(t, "readonly", session.reqs[0].ToolsPreset)
	require.Contains(t, session.reqs[0].Prompt, "1. cache hit ratio measured")
	require.Contains(t, session.reqs[0].Prompt, "2. no stale reads")
}

func TestRunStripsJSONFence(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		resultMsg("success", "```json\n{\"approved\":false,\"criteriaResults\":[],\"summary\":\"missing tests\"}\n```"),
	}}

	agent := New(session)
	outcome, err := agent.Run(context.Background(), t.TempDir(), workItem(), 0.5, 10, nil, nil)

	require.NoError(t, err)
	require.False(t, outcome.Approved)
	require.Equal(t, "missing tests", outcome.Summary)
}

func TestRunUnparseableVerdictIsSyntheticRejection(t *testing.T) {
	for name, text := range map[string]string{
		"not json":          "looks good to me!",
		"missing approved":  `{"criteriaResults":[]}`,
		"missing criteria":  `{"approved":true}`,
		"approved not bool": `{"approved":"yes","criteriaResults":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			session := &scriptedSession{msgs: []llmsession.StreamMessage{resultMsg("success", text)}}
			agent := New(session)

			outcome, err := agent.Run(context.Background(), t.TempDir(), workItem(), 0.5, 10, nil, nil)

			require.NoError(t, err)
			require.False(t, outcome.Approved)
			require.Contains(t, outcome.Summary, "failed to parse verdict")
		})
	}
}

func TestRunNonSuccessSubtypeIsAnError(t *testing.T) {
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		resultMsg("error", "", "upstream timeout"),
	}}

	agent := New(session)
	_, err := agent.Run(context.Background(), t.TempDir(), workItem(), 0.5, 10, nil, nil)

	require.Error(t, err)
	require.Contains(t, err.Error(), "upstream timeout")
}

func TestRunNoParentCommitEmbedsEmptyDiffMarker(t *testing.T) {
	// t.TempDir() is not a git repository, so the HEAD~1 diff capture fails
	// and the prompt must carry the no-parent-commit marker instead.
	session := &scriptedSession{msgs: []llmsession.StreamMessage{
		resultMsg("success", `{"approved":true,"criteriaResults":[]}`),
	}}

	agent := New(session)
	_, err := agent.Run(context.Background(), t.TempDir(), workItem(), 0.5, 10, nil, nil)

	require.NoError(t, err)
	require.Len(t, session.reqs, 1)
	require.Contains(t, session.reqs[0].Prompt, "no parent commit")
}
