// Package reviewagent implements the review agent: a read-only LLM session
// that evaluates a worktree's diff against a work item's acceptance
// criteria and returns a structured domain.ReviewOutcome.
package reviewagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/gitclient"
	"github.com/forgehq/foreman/internal/llmsession"
)

// Agent runs Review Agent sessions against an injected llmsession.Session.
type Agent struct {
	session llmsession.Session
}

// New creates an Agent bound to a session transport.
func New(session llmsession.Session) *Agent {
	return &Agent{session: session}
}

// Run captures the worktree's diff against its parent commit, composes a
// review prompt from item's acceptance criteria, and parses the terminal
// result into a ReviewOutcome. The review agent never mutates worktreePath:
// it runs with the "readonly" tools preset only.
func (a *Agent) Run(ctx context.Context, worktreePath string, item domain.WorkItem, maxBudgetUSD float64, maxTurns int, abort *llmsession.AbortHandle, onToolUse func(name string, filesAffected []string)) (domain.ReviewOutcome, error) {
	diff := captureDiff(ctx, worktreePath)
	prompt := buildReviewPrompt(item, diff)

	req := llmsession.Request{
		Prompt:       prompt,
		Cwd:          worktreePath,
		ToolsPreset:  "readonly",
		MaxBudgetUSD: maxBudgetUSD,
		MaxTurns:     maxTurns,
		Abort:        abort,
	}

	stream, err := a.session.Run(ctx, req)
	if err != nil {
		return domain.ReviewOutcome{}, fmt.Errorf("reviewagent: starting session: %w", err)
	}

	var text string
	var subtype string
	var sessionErrs []string
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
				sessionErrs = msg.Result.Errors
			}
		}
	}

	if subtype != "success" {
		detail := subtype
		if len(sessionErrs) > 0 {
			detail = strings.Join(sessionErrs, "; ")
		}
		return domain.ReviewOutcome{}, fmt.Errorf("reviewagent: session ended with subtype %q: %s", subtype, detail)
	}

	outcome, parseErr := parseOutcome(text)
	if parseErr != nil {
		return domain.ReviewOutcome{
			Approved: false,
			Summary:  fmt.Sprintf("reviewagent: failed to parse verdict: %v", parseErr),
		}, nil
	}
	return outcome, nil
}

func captureDiff(ctx context.Context, worktreePath string) string {
	gc := gitclient.New(worktreePath)
	out, err := gc.Run(ctx, "diff", "HEAD~1")
	if err != nil {
		return ""
	}
	return out
}

func buildReviewPrompt(item domain.WorkItem, diff string) string {
	var sb strings.Builder
	sb.WriteString("Review the following change against its acceptance criteria.\n\n")
	fmt.Fprintf(&sb, "Issue #%d: %s\n\n%s\n\n", item.IssueNumber, item.IssueTitle, item.IssueBody)
	sb.WriteString("Acceptance criteria:\n")
	for i, c := range item.AcceptanceCriteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	sb.WriteString("\nDiff:\n")
	if diff == "" {
		sb.WriteString("(no parent commit; this is the first commit on the branch)\n")
	} else {
		sb.WriteString(diff)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with a single JSON object: {\"approved\": bool, \"criteriaResults\": " +
		"[{\"criterion\": string, \"passed\": bool, \"feedback\": string}], \"summary\": string, " +
		"\"testsRan\": bool, \"testsPassed\": bool}.\n")
	return sb.String()
}

// parseOutcome parses the model's result text as a ReviewOutcome, stripping
// an optional ```json fence and validating the required {approved,
// criteriaResults} shape.
func parseOutcome(text string) (domain.ReviewOutcome, error) {
	cleaned := stripCodeFence(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return domain.ReviewOutcome{}, fmt.Errorf("not valid JSON: %w", err)
	}

	approvedRaw, ok := raw["approved"]
	if !ok {
		return domain.ReviewOutcome{}, fmt.Errorf("missing required field %q", "approved")
	}
	var approved bool
	if err := json.Unmarshal(approvedRaw, &approved); err != nil {
		return domain.ReviewOutcome{}, fmt.Errorf("field %q is not a boolean", "approved")
	}

	criteriaRaw, ok := raw["criteriaResults"]
	if !ok {
		return domain.ReviewOutcome{}, fmt.Errorf("missing required field %q", "criteriaResults")
	}
	var criteria []domain.CriterionResult
	if err := json.Unmarshal(criteriaRaw, &criteria); err != nil {
		return domain.ReviewOutcome{}, fmt.Errorf("field %q is not an array of criterion results", "criteriaResults")
	}

	outcome := domain.ReviewOutcome{Approved: approved, CriteriaResults: criteria}
	if v, ok := raw["summary"]; ok {
		json.Unmarshal(v, &outcome.Summary)
	}
	if v, ok := raw["testsRan"]; ok {
		json.Unmarshal(v, &outcome.TestsRan)
	}
	if v, ok := raw["testsPassed"]; ok {
		json.Unmarshal(v, &outcome.TestsPassed)
	}
	return outcome, nil
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
