// Package llmbridge is the default, production implementation of
// internal/llmsession.Session: it drives a think-act-observe loop against
// an internal/llm.Client and a sandboxed local Executor, translating that
// loop onto the streaming {assistant, tool_use, result} message shape the
// agents consume. The tool set is the file/git/shell surface a
// code-modification or review agent needs, nothing more.
package llmbridge

import (
	"encoding/json"

	"github.com/forgehq/foreman/internal/llm"
)

// WriteTools returns the full tool set available to a write-capable
// session (the execution agent).
func WriteTools() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        "git_diff",
			Description: "Show git diff of current changes in the working directory.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"staged": {"type": "boolean", "description": "If true, show staged changes only"},
					"path": {"type": "string", "description": "Optional path to restrict diff to"}
				},
				"required": []
			}`),
		},
		{
			Name:        "git_status",
			Description: "Show git status of the working directory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
		{
			Name:        "git_commit",
			Description: "Stage changes and commit with a message.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Commit message"},
					"paths": {"type": "array", "items": {"type": "string"}, "description": "Optional specific paths to stage (default: all)"}
				},
				"required": ["message"]
			}`),
		},
		{
			Name:        "file_read",
			Description: "Read file contents. Returns the file content with line numbers.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the working directory"},
					"start_line": {"type": "integer", "description": "Optional 1-based start line"},
					"end_line": {"type": "integer", "description": "Optional 1-based end line"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file. Creates parent directories if needed.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the working directory"},
					"content": {"type": "string", "description": "Content to write"}
				},
				"required": ["path", "content"]
			}`),
		},
		{
			Name:        "file_edit",
			Description: "Apply a search-and-replace edit to a file. Replaces the first occurrence of search text.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path relative to the working directory"},
					"search": {"type": "string", "description": "Text to find (exact match)"},
					"replace": {"type": "string", "description": "Replacement text"}
				},
				"required": ["path", "search", "replace"]
			}`),
		},
		{
			Name:        "file_list",
			Description: "List files and directories in a path, like 'ls' or 'find'.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Directory path to list (default: working directory root)"},
					"recursive": {"type": "boolean", "description": "If true, list recursively"},
					"pattern": {"type": "string", "description": "Optional glob pattern to filter results"}
				},
				"required": []
			}`),
		},
		{
			Name:        "file_search",
			Description: "Search for text content across files using grep-like matching.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string", "description": "Search pattern (regex supported)"},
					"path": {"type": "string", "description": "Optional path to restrict search to"},
					"include": {"type": "string", "description": "Optional file glob to include (e.g. '*.go')"}
				},
				"required": ["pattern"]
			}`),
		},
		{
			Name:        "shell_exec",
			Description: "Execute a shell command in the working directory. Use sparingly and prefer specific tools when available.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "Shell command to execute"},
					"timeout_seconds": {"type": "integer", "description": "Maximum execution time in seconds (default: 120)"}
				},
				"required": ["command"]
			}`),
		},
	}
}

// readOnlyToolNames is the subset of WriteTools that never mutates the
// worktree, used by the review and ideation agents.
var readOnlyToolNames = map[string]bool{
	"git_diff":    true,
	"git_status":  true,
	"file_read":   true,
	"file_list":   true,
	"file_search": true,
}

// ReadOnlyTools returns the tools safe for a read-only session.
func ReadOnlyTools() []llm.ToolDef {
	return FilterTools(toolNames(readOnlyToolNames))
}

func toolNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

// FilterTools returns only the tools whose names are in allowed. A nil or
// empty allowed list returns the full write-capable set: an absent
// allow-list means no restriction.
func FilterTools(allowed []string) []llm.ToolDef {
	if len(allowed) == 0 {
		return WriteTools()
	}
	allowMap := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowMap[name] = true
	}
	var filtered []llm.ToolDef
	for _, t := range WriteTools() {
		if allowMap[t.Name] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// ToolsForRequest resolves the tool set for a session request: an explicit
// "readonly" preset wins, then an explicit allow-list, then the full
// write-capable set.
func ToolsForRequest(preset string, allowedTools []string) []llm.ToolDef {
	if preset == "readonly" {
		return ReadOnlyTools()
	}
	return FilterTools(allowedTools)
}
