// Package template loads category prompt files, replaces the known set of
// placeholders, and builds its substitution context concurrently (recent
// commits, tech stack, open issue count).
//
// Category prompt files may carry an optional TOML front-matter block
// (delimited by "+++" lines, mirroring Hugo-style front matter) holding
// metadata such as an effort hint.
package template

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Context holds the values substituted into a category prompt template.
type Context struct {
	Owner              string
	Repo               string
	RecentCommits      []string
	TechStack          []string
	ExistingIssueCount int
}

// FrontMatter is the optional metadata block at the top of a prompt file.
type FrontMatter struct {
	EffortHint              string  `toml:"effort_hint"`
	MaxBudgetUSDOverride    float64 `toml:"max_budget_usd_override"`
}

// CommitLister returns the last n commit subjects, newest first.
type CommitLister func(ctx context.Context, n int) ([]string, error)

// ManifestParser returns the dependency names declared in the project
// manifest (go.mod, package.json, etc).
type ManifestParser func(ctx context.Context) ([]string, error)

// IssueCounter returns the number of currently open issues.
type IssueCounter func(ctx context.Context) (int, error)

// Loader loads category prompt files from a directory and substitutes
// placeholders.
type Loader struct {
	dir      string
	commits  CommitLister
	manifest ManifestParser
	issues   IssueCounter
}

// NewLoader creates a loader rooted at dir (the configured
// categoryPromptsDir), given the three context-building collaborators.
func NewLoader(dir string, commits CommitLister, manifest ManifestParser, issues IssueCounter) *Loader {
	return &Loader{dir: dir, commits: commits, manifest: manifest, issues: issues}
}

// BuildContext assembles the substitution context, running the three
// sub-builders concurrently.
func (l *Loader) BuildContext(ctx context.Context, owner, repo string) (Context, error) {
	var (
		wg                          sync.WaitGroup
		commits                     []string
		techStack                   []string
		issueCount                  int
		commitErr, manifestErr, issueErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		commits, commitErr = l.commits(ctx, 20)
	}()
	go func() {
		defer wg.Done()
		techStack, manifestErr = l.manifest(ctx)
	}()
	go func() {
		defer wg.Done()
		issueCount, issueErr = l.issues(ctx)
	}()
	wg.Wait()

	if commitErr != nil {
		return Context{}, fmt.Errorf("template: listing recent commits: %w", commitErr)
	}
	if manifestErr != nil {
		return Context{}, fmt.Errorf("template: parsing manifest: %w", manifestErr)
	}
	if issueErr != nil {
		return Context{}, fmt.Errorf("template: counting issues: %w", issueErr)
	}

	return Context{
		Owner:              owner,
		Repo:               repo,
		RecentCommits:      commits,
		TechStack:          techStack,
		ExistingIssueCount: issueCount,
	}, nil
}

// Load reads <dir>/<category>.md, strips and parses any front-matter block,
// and substitutes placeholders from ctx. Unknown placeholders are left in
// place with a logged warning.
func (l *Loader) Load(category string, ctx Context) (string, *FrontMatter, error) {
	path := filepath.Join(l.dir, category+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("template: reading %s: %w", path, err)
	}

	body, fm, err := splitFrontMatter(string(data))
	if err != nil {
		return "", nil, fmt.Errorf("template: parsing front matter in %s: %w", path, err)
	}

	replacements := map[string]string{
		"{{owner}}":              ctx.Owner,
		"{{repo}}":               ctx.Repo,
		"{{recentCommits}}":      strings.Join(ctx.RecentCommits, "\n"),
		"{{techStack}}":          strings.Join(ctx.TechStack, ", "),
		"{{existingIssueCount}}": fmt.Sprintf("%d", ctx.ExistingIssueCount),
	}

	out := body
	for placeholder, value := range replacements {
		out = strings.ReplaceAll(out, placeholder, value)
	}

	for _, leftover := range findUnknownPlaceholders(out) {
		log.Printf("[template] warning: unknown placeholder %s left in place in %s", leftover, path)
	}

	return out, fm, nil
}

func splitFrontMatter(content string) (body string, fm *FrontMatter, err error) {
	const delim = "+++\n"
	if !strings.HasPrefix(content, delim) {
		return content, nil, nil
	}
	rest := content[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return content, nil, nil
	}

	var parsed FrontMatter
	if _, decErr := toml.Decode(rest[:end], &parsed); decErr != nil {
		return "", nil, decErr
	}
	return rest[end+len(delim):], &parsed, nil
}

func findUnknownPlaceholders(s string) []string {
	var found []string
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			break
		}
		found = append(found, rest[start:start+end+2])
		rest = rest[start+end+2:]
	}
	return found
}
