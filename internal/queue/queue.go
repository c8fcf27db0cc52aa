// Package queue defines the injected queue-adapter contract and provides
// an in-memory implementation for tests and standalone runs.
// The production implementation is GHAdapter, which wraps
// internal/ghclient.Client; internal/queue/sqladapter provides
// a second, SQL-backed implementation for operators who mirror their board
// state into their own database instead of a GitHub Project.
package queue

import (
	"context"

	"github.com/forgehq/foreman/internal/domain"
)

// Item is a work item paired with the project-item identifiers needed to
// claim or re-status it — the queue adapter's internal handle, opaque to
// everything downstream of C8's Claiming state.
type Item struct {
	domain.WorkItem
	ProjectID string
	ItemID    string
}

// IssueRef identifies a freshly created issue.
type IssueRef struct {
	Number int
	ID     string
}

// Adapter is the injected work-queue contract the agent loops consume.
type Adapter interface {
	// FindNextWorkItem returns the next claimable item for agentID, or nil
	// if the queue is empty.
	FindNextWorkItem(ctx context.Context, agentID string) (*Item, error)
	// ClaimIssue idempotently assigns itemID to agentID. Returns false on
	// any failure; never returns an error.
	ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool
	// CreateIssue files a new issue and returns its number and node id.
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (IssueRef, error)
	// UpdateIssueStatus moves itemID's status field to optionID.
	UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error
	// GetOpenIssueCount returns the number of open issues in owner/repo.
	GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error)
}
