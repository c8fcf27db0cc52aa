package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/forgehq/foreman/internal/llm"
	"github.com/forgehq/foreman/internal/llmsession"
)

// DefaultMaxTurns bounds a session when the request doesn't specify one.
const DefaultMaxTurns = 40

// Bridge is the production llmsession.Session: it drives a think-act-observe
// loop against an llm.Client, executing tool calls with a sandboxed Executor
// and truncating the conversation with a ContextManager as it grows.
type Bridge struct {
	client llm.Client
}

// New creates a Bridge around an already-constructed LLM client (see
// internal/llm.NewClient / WithRetry).
func New(client llm.Client) *Bridge {
	return &Bridge{client: client}
}

var _ llmsession.Session = (*Bridge)(nil)

// Run starts a session and streams its messages. The returned channel is
// closed after exactly one KindResult message.
func (b *Bridge) Run(ctx context.Context, req llmsession.Request) (<-chan llmsession.StreamMessage, error) {
	if req.Cwd == "" {
		return nil, fmt.Errorf("llmbridge: request Cwd is required")
	}

	runCtx := ctx
	if req.Abort != nil {
		runCtx = req.Abort.Context()
	}

	out := make(chan llmsession.StreamMessage, 8)
	go b.run(runCtx, req, out)
	return out, nil
}

func (b *Bridge) run(ctx context.Context, req llmsession.Request, out chan<- llmsession.StreamMessage) {
	defer close(out)

	executor := NewExecutor(req.Cwd)
	tools := ToolsForRequest(req.ToolsPreset, req.AllowedTools)
	ctxMgr := NewContextManager(DefaultContextWindow)
	if info := b.client.ModelInfo(); info != nil && info.ContextWindow > 0 {
		ctxMgr = NewContextManager(info.ContextWindow)
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	messages := []llm.Message{{Role: "user", Content: req.Prompt}}

	var (
		totalCost  float64
		lastText   string
		turn       int
		errs       []string
	)

	for turn = 1; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			out <- terminalResult("aborted", totalCost, turn-1, lastText, append(errs, err.Error()))
			return
		}

		if req.MaxBudgetUSD > 0 && totalCost >= req.MaxBudgetUSD {
			out <- terminalResult("budget_exceeded", totalCost, turn-1, lastText, errs)
			return
		}

		if ctxMgr.NeedsTruncation(messages) {
			messages = ctxMgr.Truncate(messages)
		}

		resp, err := b.client.Chat(ctx, &llm.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			errs = append(errs, err.Error())
			out <- terminalResult("error", totalCost, turn-1, lastText, errs)
			return
		}

		var modelID string
		if info := b.client.ModelInfo(); info != nil {
			modelID = info.ID
		}
		totalCost += estimateCostUSD(modelID, resp.Usage)

		if resp.Content != "" {
			lastText = resp.Content
			out <- llmsession.StreamMessage{Kind: llmsession.KindAssistant, Text: resp.Content}
		}

		if len(resp.ToolCalls) == 0 {
			out <- terminalResult("success", totalCost, turn, lastText, errs)
			return
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				out <- terminalResult("aborted", totalCost, turn, lastText, append(errs, err.Error()))
				return
			}

			out <- llmsession.StreamMessage{
				Kind:    llmsession.KindToolUse,
				ToolUse: &llmsession.ToolUse{Name: call.Name, Input: decodeArgs(call.Args)},
			}

			result, execErr := executor.Execute(ctx, call)
			if execErr != nil {
				result = fmt.Sprintf("error: %v", execErr)
				log.Printf("[llmbridge] tool %s failed: %v", call.Name, execErr)
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	out <- terminalResult("max_turns_exceeded", totalCost, maxTurns, lastText, errs)
}

func terminalResult(subtype string, cost float64, turns int, text string, errs []string) llmsession.StreamMessage {
	return llmsession.StreamMessage{
		Kind: llmsession.KindResult,
		Result: &llmsession.Result{
			Subtype:      subtype,
			TotalCostUSD: cost,
			NumTurns:     turns,
			Text:         text,
			Errors:       errs,
		},
	}
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return m
}
