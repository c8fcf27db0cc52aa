// Package execagent implements the execution agent: it runs an LLM session
// with write-capable tools inside an already-created worktree and
// aggregates the stream into a single domain.ExecutionResult.
package execagent

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/llmsession"
)

// filePathFields are the tool-input fields inspected for touched paths.
var filePathFields = []string{"file_path", "path", "paths", "files", "file", "target", "source"}

// Agent runs Execution Agent sessions against an injected llmsession.Session.
type Agent struct {
	session llmsession.Session
}

// New creates an Agent bound to a session transport (normally an
// internal/llmbridge.Bridge).
func New(session llmsession.Session) *Agent {
	return &Agent{session: session}
}

// Run executes prompt inside worktreePath with write-capable tools, bounded
// by maxBudgetUSD/maxTurns, and aggregates the stream into an
// ExecutionResult. abort, if non-nil, is threaded into the request so the
// caller's pause()/stop() can cancel the in-flight call.
func (a *Agent) Run(ctx context.Context, worktreePath, prompt string, maxBudgetUSD float64, maxTurns int, abort *llmsession.AbortHandle, onToolUse func(name string, filesAffected []string)) domain.ExecutionResult {
	if info, err := os.Stat(worktreePath); err != nil || !info.IsDir() {
		return domain.ExecutionResult{Success: false, Error: fmt.Sprintf("execagent: worktree path %q does not exist", worktreePath)}
	}

	req := llmsession.Request{
		Prompt:       prompt,
		Cwd:          worktreePath,
		MaxBudgetUSD: maxBudgetUSD,
		MaxTurns:     maxTurns,
		Abort:        abort,
	}

	stream, err := a.session.Run(ctx, req)
	if err != nil {
		return domain.ExecutionResult{Success: false, Error: fmt.Sprintf("execagent: starting session: %v", err)}
	}

	touched := make(map[string]struct{})
	result := domain.ExecutionResult{}

	for msg := range stream {
		switch msg.Kind {
		case llmsession.KindToolUse:
			if msg.ToolUse != nil {
				paths := extractPaths(msg.ToolUse.Input)
				for _, p := range paths {
					touched[p] = struct{}{}
				}
				if onToolUse != nil {
					onToolUse(msg.ToolUse.Name, paths)
				}
			}
		case llmsession.KindResult:
			if msg.Result == nil {
				continue
			}
			result.CostUSD = msg.Result.TotalCostUSD
			result.TurnsUsed = msg.Result.NumTurns
			switch msg.Result.Subtype {
			case "success":
				result.Success = true
			case "aborted":
				result.Success = false
				result.Error = "Execution aborted"
			default:
				result.Success = false
				if len(msg.Result.Errors) > 0 {
					result.Error = strings.Join(msg.Result.Errors, "; ")
				} else {
					result.Error = msg.Result.Subtype
				}
			}
		}
	}

	result.FilesTouched = sortedKeys(touched)
	return result
}

func extractPaths(input map[string]any) []string {
	var out []string
	for _, field := range filePathFields {
		v, ok := input[field]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				out = append(out, s)
			}
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok {
					if trimmed := strings.TrimSpace(s); trimmed != "" {
						out = append(out, trimmed)
					}
				}
			}
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
