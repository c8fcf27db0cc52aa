package llmbridge

import (
	"fmt"
	"strings"

	"github.com/forgehq/foreman/internal/llm"
)

const (
	// DefaultContextWindow is used when the model doesn't report context size.
	DefaultContextWindow = 128000
	// ContextReserve is the fraction of context window reserved for response.
	ContextReserve = 0.15
	// TokensPerChar is a rough estimate of tokens per character.
	TokensPerChar = 0.28
)

// ContextManager tracks conversation size and truncates it before it
// overruns the model's context window.
type ContextManager struct {
	contextWindow int
	maxTokens     int
}

// NewContextManager creates a context manager for the given window size.
func NewContextManager(contextWindow int) *ContextManager {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	return &ContextManager{
		contextWindow: contextWindow,
		maxTokens:     int(float64(contextWindow) * (1 - ContextReserve)),
	}
}

// EstimateTokens returns a rough token count for a string.
func EstimateTokens(s string) int {
	return int(float64(len(s)) * TokensPerChar)
}

func estimateMessageTokens(msg llm.Message) int {
	tokens := EstimateTokens(msg.Content) + 4
	for _, tc := range msg.ToolCalls {
		tokens += EstimateTokens(tc.Name) + EstimateTokens(string(tc.Args)) + 10
	}
	if msg.ToolCallID != "" {
		tokens += 10
	}
	return tokens
}

func estimateConversationTokens(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageTokens(msg)
	}
	return total
}

// NeedsTruncation reports whether the conversation is likely to exceed the
// usable context window.
func (cm *ContextManager) NeedsTruncation(messages []llm.Message) bool {
	return estimateConversationTokens(messages) > cm.maxTokens
}

// Truncate keeps the system message and the most recent messages, replacing
// everything in between with a short summary.
func (cm *ContextManager) Truncate(messages []llm.Message) []llm.Message {
	if !cm.NeedsTruncation(messages) {
		return messages
	}

	const minKeepEnd = 6
	if len(messages) <= minKeepEnd+1 {
		return cm.trimToolResults(messages)
	}

	var result []llm.Message
	startIdx := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		result = append(result, messages[0])
		startIdx = 1
	}

	keepFrom := len(messages) - minKeepEnd
	if keepFrom < startIdx {
		keepFrom = startIdx
	}

	if keepFrom > startIdx {
		summary := fmt.Sprintf("[%d earlier messages summarized]\n", keepFrom-startIdx)
		summary += cm.summarizeMessages(messages[startIdx:keepFrom])
		result = append(result, llm.Message{Role: "user", Content: summary})
	}

	result = append(result, messages[keepFrom:]...)
	if cm.NeedsTruncation(result) {
		result = cm.trimToolResults(result)
	}
	return result
}

func (cm *ContextManager) trimToolResults(messages []llm.Message) []llm.Message {
	result := make([]llm.Message, len(messages))
	copy(result, messages)

	const maxToolResult = 2000
	for i := range result {
		if result[i].Role == "tool" && len(result[i].Content) > maxToolResult {
			result[i].Content = result[i].Content[:maxToolResult] + "\n... (truncated for context window)"
		}
	}
	return result
}

func (cm *ContextManager) summarizeMessages(messages []llm.Message) string {
	var sb strings.Builder
	toolCalls, toolResults, assistantMsgs, userMsgs := 0, 0, 0, 0

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistantMsgs++
			toolCalls += len(msg.ToolCalls)
		case "tool":
			toolResults++
		case "user":
			userMsgs++
		}
	}

	if userMsgs > 0 {
		fmt.Fprintf(&sb, "- %d user messages\n", userMsgs)
	}
	if assistantMsgs > 0 {
		fmt.Fprintf(&sb, "- %d assistant responses\n", assistantMsgs)
	}
	if toolCalls > 0 {
		toolNames := make(map[string]int)
		for _, msg := range messages {
			for _, tc := range msg.ToolCalls {
				toolNames[tc.Name]++
			}
		}
		fmt.Fprintf(&sb, "- %d tool calls: ", toolCalls)
		first := true
		for name, count := range toolNames {
			if !first {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s(%d)", name, count)
			first = false
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
