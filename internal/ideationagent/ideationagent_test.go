package ideationagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/llmsession"
)

type scriptedSession struct {
	msgs []llmsession.StreamMessage
}

func (s *scriptedSession) Run(ctx context.Context, req llmsession.Request) (<-chan llmsession.StreamMessage, error) {
	ch := make(chan llmsession.StreamMessage, len(s.msgs))
	for _, m := range s.msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func sessionReturning(subtype, text string) *scriptedSession {
	return &scriptedSession{msgs: []llmsession.StreamMessage{{
		Kind:   llmsession.KindResult,
		Result: &llmsession.Result{Subtype: subtype, Text: text},
	}}}
}

const validIdeaJSON = `{
	"title": "Add request tracing to the worker pool",
	"description": "Thread a trace id through every worker so slow tasks can be attributed.",
	"acceptanceCriteria": ["trace id on every log line", "spans cover claim through review", "docs updated"],
	"technicalApproach": "Propagate a context value and log it in each state handler.",
	"effortHours": 4
}`

func TestRunReturnsValidatedIdea(t *testing.T) {
	agent := New(sessionReturning("success", validIdeaJSON))
	outcome := agent.Run(context.Background(), "observability", "prompt", nil, 0.25, 10, nil, nil)

	require.False(t, outcome.NoIdeaAvailable)
	require.NotNil(t, outcome.Idea)
	require.Equal(t, "Add request tracing to the worker pool", outcome.Idea.Title)
	require.Equal(t, "observability", outcome.Idea.Category, "category falls back to the requested one")
	require.Equal(t, "observability", outcome.Category)
}

func TestRunNoIdeaToken(t *testing.T) {
	agent := New(sessionReturning("success", "NO_IDEA_AVAILABLE — the backlog already covers this area."))
	outcome := agent.Run(context.Background(), "testing", "prompt", nil, 0.25, 10, nil, nil)

	require.True(t, outcome.NoIdeaAvailable)
	require.Nil(t, outcome.Idea)
}

func TestRunExtractsEmbeddedJSONObject(t *testing.T) {
	text := "Here is my proposal:\n\n" + validIdeaJSON + "\n\nLet me know what you think."
	agent := New(sessionReturning("success", text))
	outcome := agent.Run(context.Background(), "observability", "prompt", nil, 0.25, 10, nil, nil)

	require.NotNil(t, outcome.Idea)
}

func TestRunValidationFailureIsErrorShape(t *testing.T) {
	for name, text := range map[string]string{
		"short description": `{"title":"T","description":"too short","acceptanceCriteria":["a","b","c"],"technicalApproach":"x","effortHours":2}`,
		"too few criteria":  `{"title":"T","description":"a perfectly reasonable description here","acceptanceCriteria":["a"],"technicalApproach":"x","effortHours":2}`,
		"effort too high":   `{"title":"T","description":"a perfectly reasonable description here","acceptanceCriteria":["a","b","c"],"technicalApproach":"x","effortHours":40}`,
		"no approach":       `{"title":"T","description":"a perfectly reasonable description here","acceptanceCriteria":["a","b","c"],"technicalApproach":" ","effortHours":2}`,
		"not json at all":   "I could not come up with anything structured.",
	} {
		t.Run(name, func(t *testing.T) {
			agent := New(sessionReturning("success", text))
			outcome := agent.Run(context.Background(), "testing", "prompt", nil, 0.25, 10, nil, nil)

			require.Nil(t, outcome.Idea)
			require.False(t, outcome.NoIdeaAvailable, "validation failure is the error shape, not a no-idea result")
		})
	}
}

func TestRunSessionFailureIsErrorShape(t *testing.T) {
	agent := New(sessionReturning("error", ""))
	outcome := agent.Run(context.Background(), "testing", "prompt", nil, 0.25, 10, nil, nil)

	require.Nil(t, outcome.Idea)
	require.False(t, outcome.NoIdeaAvailable)
}

func TestRunDuplicateIdeaIsFiltered(t *testing.T) {
	idea := `{"title":"Add unit tests for budget tracker","description":"Cover the budget tracker's daily and monthly arithmetic.","acceptanceCriteria":["a","b","c"],"technicalApproach":"table tests","effortHours":3}`
	agent := New(sessionReturning("success", idea))

	outcome := agent.Run(context.Background(), "testing", "prompt",
		[]string{"Refactor authentication module", "Add unit tests for budget tracker"}, 0.25, 10, nil, nil)

	require.Nil(t, outcome.Idea)
	require.True(t, outcome.NoIdeaAvailable)
}

func TestIsDuplicate(t *testing.T) {
	existing := []string{"Refactor authentication module", "Add unit tests for budget tracker"}

	tests := []struct {
		name      string
		candidate string
		existing  []string
		want      bool
	}{
		{"exact match", "Add unit tests for budget tracker", existing, true},
		{"case and punctuation insensitive", "add UNIT tests, for budget-tracker!", existing, true},
		{"distinct title", "Improve cache performance", existing, false},
		{"empty candidate", "", existing, false},
		{"empty existing list", "Improve cache performance", nil, false},
		{"subset overlap above threshold", "unit tests budget tracker", existing, true},
		{"partial overlap below threshold", "Add integration suite for worktree manager", existing, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, isDuplicate(tc.candidate, tc.existing))
		})
	}
}

func TestExtractJSONObjectBalancedBraces(t *testing.T) {
	s := `prefix {"a": {"nested": 1}, "b": 2} suffix {"second": true}`
	require.JSONEq(t, `{"a": {"nested": 1}, "b": 2}`, extractJSONObject(s))

	require.Empty(t, extractJSONObject("no braces here"))
	require.Empty(t, extractJSONObject(`{"unbalanced": `))
}
