// Package gitclient is a thin wrapper around the git CLI: every invocation
// pins a working directory and trims stdout.
package gitclient

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client runs git commands against a fixed working directory.
type Client struct {
	dir string
}

// New returns a client that runs git commands in dir.
func New(dir string) *Client {
	return &Client{dir: dir}
}

// WithDir returns a copy of the client pinned to a different directory,
// used when the orchestrator needs a git client scoped to a worktree path
// rather than the repo root.
func (c *Client) WithDir(dir string) *Client {
	return &Client{dir: dir}
}

// Run executes `git <args...>` in the client's directory and returns
// trimmed stdout. On failure the error wraps git's stderr verbatim.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the checked-out branch name (HEAD).
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}
