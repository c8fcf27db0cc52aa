package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestBuildContextRunsSubBuildersConcurrentlyAndMerges(t *testing.T) {
	l := NewLoader(t.TempDir(),
		func(ctx context.Context, n int) ([]string, error) { return []string{"c1", "c2"}, nil },
		func(ctx context.Context) ([]string, error) { return []string{"depA", "depB"}, nil },
		func(ctx context.Context) (int, error) { return 5, nil },
	)

	out, err := l.BuildContext(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	require.Equal(t, "acme", out.Owner)
	require.Equal(t, []string{"c1", "c2"}, out.RecentCommits)
	require.Equal(t, 5, out.ExistingIssueCount)
}

func TestLoadSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bugfix.md", "Repo {{repo}} by {{owner}} has {{existingIssueCount}} issues. Stack: {{techStack}}.\n{{recentCommits}}")

	l := NewLoader(dir, nil, nil, nil)
	out, fm, err := l.Load("bugfix", Context{
		Owner:              "acme",
		Repo:               "widgets",
		RecentCommits:      []string{"fix: a", "feat: b"},
		TechStack:          []string{"go", "postgres"},
		ExistingIssueCount: 3,
	})
	require.NoError(t, err)
	require.Nil(t, fm)
	require.Contains(t, out, "Repo widgets by acme has 3 issues")
	require.Contains(t, out, "Stack: go, postgres")
	require.Contains(t, out, "fix: a\nfeat: b")
}

func TestLoadParsesFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "feature.md", "+++\neffort_hint = \"medium\"\nmax_budget_usd_override = 2.5\n+++\nBody for {{owner}}")

	l := NewLoader(dir, nil, nil, nil)
	out, fm, err := l.Load("feature", Context{Owner: "acme"})
	require.NoError(t, err)
	require.NotNil(t, fm)
	require.Equal(t, "medium", fm.EffortHint)
	require.InDelta(t, 2.5, fm.MaxBudgetUSDOverride, 0.0001)
	require.Contains(t, out, "Body for acme")
}

func TestLoadLeavesUnknownPlaceholdersInPlace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.md", "Hello {{unknownThing}}")

	l := NewLoader(dir, nil, nil, nil)
	out, _, err := l.Load("x", Context{})
	require.NoError(t, err)
	require.Contains(t, out, "{{unknownThing}}")
}
