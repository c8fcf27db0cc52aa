package queue

import (
	"context"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/ghclient"
)

// ghClient is the subset of internal/ghclient.Client's methods this adapter
// wraps, kept narrow so tests can fake it without a full HTTP client.
type ghClient interface {
	FindNextWorkItem(ctx context.Context, projectID string) (*ghclient.ProjectItem, error)
	ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (ghclient.IssueRef, error)
	UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error
	GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error)
}

// GHAdapter adapts internal/ghclient.Client to the Adapter interface,
// pinning the GitHub Projects board this module reads from.
type GHAdapter struct {
	client    ghClient
	projectID string
	projectNo int
}

var _ Adapter = (*GHAdapter)(nil)

// NewGHAdapter wraps client for board projectID (numbered projectNumber for
// the WorkItem.ProjectNumber field the rest of the module expects).
func NewGHAdapter(client ghClient, projectID string, projectNumber int) *GHAdapter {
	return &GHAdapter{client: client, projectID: projectID, projectNo: projectNumber}
}

// FindNextWorkItem ignores agentID: the board query itself filters to
// unassigned, "Ready"-status items, so any agent that wins the race to
// ClaimIssue afterward gets it.
func (a *GHAdapter) FindNextWorkItem(ctx context.Context, agentID string) (*Item, error) {
	pi, err := a.client.FindNextWorkItem(ctx, a.projectID)
	if err != nil || pi == nil {
		return nil, err
	}
	return &Item{
		WorkItem: domain.WorkItem{
			ProjectNumber:      a.projectNo,
			IssueNumber:        pi.IssueNumber,
			IssueTitle:         pi.Title,
			IssueBody:          pi.Body,
			AcceptanceCriteria: pi.Criteria,
			Labels:             pi.Labels,
		},
		ProjectID: a.projectID,
		ItemID:    pi.ItemID,
	}, nil
}

func (a *GHAdapter) ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool {
	return a.client.ClaimIssue(ctx, projectID, itemID, agentID)
}

func (a *GHAdapter) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (IssueRef, error) {
	ref, err := a.client.CreateIssue(ctx, owner, repo, title, body, labels)
	if err != nil {
		return IssueRef{}, err
	}
	return IssueRef{Number: ref.Number, ID: ref.ID}, nil
}

func (a *GHAdapter) UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	return a.client.UpdateIssueStatus(ctx, projectID, itemID, fieldID, optionID)
}

func (a *GHAdapter) GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error) {
	return a.client.GetOpenIssueCount(ctx, owner, repo)
}
