// Package llmsession defines the LLM session contract injected into the
// Execution, Review, and Ideation agents: a streaming request that emits
// zero or more tool-use events and terminates in exactly one "result"
// message carrying cost/turn/outcome.
package llmsession

import "context"

// Request is one LLM session invocation.
type Request struct {
	Prompt         string
	Cwd            string
	AllowedTools   []string
	ToolsPreset    string
	PermissionMode string
	MaxBudgetUSD   float64
	MaxTurns       int
	Abort          *AbortHandle
}

// AbortHandle is a cooperative cancellation token threaded into every
// suspending call a session makes (LLM HTTP call, tool invocation). Pause
// and Stop on the agent loop call Cancel synchronously.
type AbortHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAbortHandle derives a cancellable handle from parent.
func NewAbortHandle(parent context.Context) *AbortHandle {
	ctx, cancel := context.WithCancel(parent)
	return &AbortHandle{ctx: ctx, cancel: cancel}
}

// Context returns the handle's context, cancelled by Cancel.
func (h *AbortHandle) Context() context.Context { return h.ctx }

// Cancel aborts the in-flight call. Safe to call multiple times.
func (h *AbortHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// MessageKind discriminates the messages in a session's response stream.
type MessageKind string

const (
	KindAssistant MessageKind = "assistant"
	KindToolUse   MessageKind = "tool_use"
	KindResult    MessageKind = "result"
)

// ToolUse is one tool invocation the model requested, from which file paths
// touched by the execution agent are extracted.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// Result is the terminal message of every session stream.
type Result struct {
	Subtype      string
	TotalCostUSD float64
	NumTurns     int
	Text         string
	Errors       []string
}

// StreamMessage is one element of a session's response stream. Exactly one
// message with Kind==KindResult terminates the stream.
type StreamMessage struct {
	Kind      MessageKind
	Text      string
	ToolUse   *ToolUse
	Result    *Result
}

// Session runs one LLM session and streams its messages.
type Session interface {
	Run(ctx context.Context, req Request) (<-chan StreamMessage, error)
}
