// Package ideationagent implements the ideation agent: a read-only LLM
// session that proposes a new work item for a category, validates its
// shape, and filters it against existing issue titles. The duplicate
// filter uses token overlap rather than content hashing so paraphrased
// titles are caught, not just near-exact ones.
package ideationagent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/llmsession"
)

// noIdeaToken is the literal marker the model emits when it has nothing to
// propose for a category.
const noIdeaToken = "NO_IDEA_AVAILABLE"

// duplicateOverlapThreshold is the token-overlap ratio above which a
// candidate title is treated as a duplicate of an existing one.
const duplicateOverlapThreshold = 0.8

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// Agent runs Ideation Agent sessions against an injected llmsession.Session.
type Agent struct {
	session llmsession.Session
}

// New creates an Agent bound to a session transport.
func New(session llmsession.Session) *Agent {
	return &Agent{session: session}
}

// Run proposes a new work item for category using prompt, then filters it
// against existingTitles. It never returns an error: any SDK or validation
// failure collapses into {idea:null, noIdeaAvailable:false}, a shape
// callers can distinguish from a genuine no-idea result.
func (a *Agent) Run(ctx context.Context, category, prompt string, existingTitles []string, maxBudgetUSD float64, maxTurns int, abort *llmsession.AbortHandle, onToolUse func(name string, filesAffected []string)) domain.IdeationOutcome {
	outcome := domain.IdeationOutcome{Category: category}

	req := llmsession.Request{
		Prompt:       prompt,
		ToolsPreset:  "readonly",
		MaxBudgetUSD: maxBudgetUSD,
		MaxTurns:     maxTurns,
		Abort:        abort,
	}

	stream, err := a.session.Run(ctx, req)
	if err != nil {
		return outcome
	}

	var text, subtype string
	for msg := range stream {
		switch msg.Kind {
		case llmsession.KindToolUse:
			if msg.ToolUse != nil && onToolUse != nil {
				onToolUse(msg.ToolUse.Name, nil)
			}
		case llmsession.KindResult:
			if msg.Result != nil {
				text = msg.Result.Text
				subtype = msg.Result.Subtype
			}
		}
	}

	if subtype != "success" {
		return outcome
	}

	if strings.Contains(text, noIdeaToken) {
		outcome.NoIdeaAvailable = true
		return outcome
	}

	idea, err := parseIdea(text, category)
	if err != nil {
		return outcome
	}

	if isDuplicate(idea.Title, existingTitles) {
		outcome.NoIdeaAvailable = true
		return outcome
	}

	outcome.Idea = idea
	return outcome
}

func parseIdea(text, category string) (*domain.ParsedIdea, error) {
	cleaned := extractJSONObject(stripCodeFence(text))
	if cleaned == "" {
		return nil, fmt.Errorf("ideationagent: no JSON object found in response")
	}

	var idea domain.ParsedIdea
	if err := json.Unmarshal([]byte(cleaned), &idea); err != nil {
		return nil, fmt.Errorf("ideationagent: invalid JSON: %w", err)
	}
	if idea.Category == "" {
		idea.Category = category
	}

	if err := validateIdea(idea); err != nil {
		return nil, err
	}
	return &idea, nil
}

func validateIdea(idea domain.ParsedIdea) error {
	if idea.Title == "" || len(idea.Title) >= 100 {
		return fmt.Errorf("title must be non-empty and under 100 characters")
	}
	if len(idea.Description) < 20 || len(idea.Description) > 500 {
		return fmt.Errorf("description must be between 20 and 500 characters")
	}
	if len(idea.AcceptanceCriteria) < 3 {
		return fmt.Errorf("acceptanceCriteria must contain at least 3 entries")
	}
	if strings.TrimSpace(idea.TechnicalApproach) == "" {
		return fmt.Errorf("technicalApproach must be non-empty")
	}
	if idea.EffortHours < 1 || idea.EffortHours > 8 {
		return fmt.Errorf("effortHours must be between 1 and 8")
	}
	return nil
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) > 1 {
			lines = lines[1:]
		}
		s = strings.Join(lines, "\n")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// extractJSONObject returns s if it already parses as a JSON object; else it
// falls back to the first balanced {...} block, so a proposal wrapped in
// prose still parses.
func extractJSONObject(s string) string {
	var probe map[string]json.RawMessage
	if json.Unmarshal([]byte(s), &probe) == nil {
		return s
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func tokenize(s string) map[string]struct{} {
	words := wordPattern.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// isDuplicate tokenizes both titles, computes the intersection over the
// smaller set's size, and flags a duplicate when that ratio exceeds
// duplicateOverlapThreshold.
func isDuplicate(candidateTitle string, existingTitles []string) bool {
	candidate := tokenize(candidateTitle)
	if len(candidate) == 0 {
		return false
	}
	for _, existingTitle := range existingTitles {
		existing := tokenize(existingTitle)
		if len(existing) == 0 {
			continue
		}
		overlap := 0
		for w := range candidate {
			if _, ok := existing[w]; ok {
				overlap++
			}
		}
		minLen := len(candidate)
		if len(existing) < minLen {
			minLen = len(existing)
		}
		if float64(overlap)/float64(minLen) > duplicateOverlapThreshold {
			return true
		}
	}
	return false
}
