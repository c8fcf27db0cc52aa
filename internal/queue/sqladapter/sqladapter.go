// Package sqladapter implements the queue adapter against a MySQL table
// that mirrors a project board, for deployments that track board state in
// their own database. It sits alongside internal/queue.MemoryAdapter and
// internal/queue.GHAdapter: the core never depends on SQL directly, only
// on internal/queue.Adapter.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/queue"
)

// Adapter implements internal/queue.Adapter against a MySQL table that
// mirrors a GitHub Projects board. The schema it expects:
//
//	work_items(item_id VARCHAR PK, project_id VARCHAR, project_number INT,
//	  issue_number INT, title TEXT, body TEXT, labels TEXT,
//	  acceptance_criteria TEXT, claimed_by VARCHAR NULL, status VARCHAR)
//
// labels and acceptance_criteria are stored newline-joined; callers that
// mirror a real board are expected to populate this table from the same
// webhook stream that updates the board itself.
type Adapter struct {
	db *sql.DB
}

var _ queue.Adapter = (*Adapter)(nil)

// Open connects to a MySQL DSN and returns an Adapter. Callers are
// responsible for closing the returned Adapter via Close.
func Open(dsn string) (*Adapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqladapter: opening connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqladapter: pinging database: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// FindNextWorkItem returns the first unclaimed item whose status is
// "ready", ordered by issue number, or nil if none is available.
func (a *Adapter) FindNextWorkItem(ctx context.Context, agentID string) (*queue.Item, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT item_id, project_id, project_number, issue_number, title, body, labels, acceptance_criteria
		FROM work_items
		WHERE status = 'ready' AND claimed_by IS NULL
		ORDER BY issue_number ASC
		LIMIT 1`)

	var (
		itemID, projectID, title, body, labelsJoined, criteriaJoined string
		projectNumber, issueNumber                                   int
	)
	if err := row.Scan(&itemID, &projectID, &projectNumber, &issueNumber, &title, &body, &labelsJoined, &criteriaJoined); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqladapter: finding next work item: %w", err)
	}

	return &queue.Item{
		WorkItem: domain.WorkItem{
			ProjectNumber:      projectNumber,
			IssueNumber:        issueNumber,
			IssueTitle:         title,
			IssueBody:          body,
			AcceptanceCriteria: splitNonEmpty(criteriaJoined),
			Labels:             splitNonEmpty(labelsJoined),
		},
		ProjectID: projectID,
		ItemID:    itemID,
	}, nil
}

// ClaimIssue atomically assigns itemID to agentID, but only if it is
// currently unclaimed — idempotent for repeated calls by the same agent.
// Returns false on any failure, including a lost claim race.
func (a *Adapter) ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool {
	res, err := a.db.ExecContext(ctx, `
		UPDATE work_items SET claimed_by = ?
		WHERE item_id = ? AND project_id = ? AND (claimed_by IS NULL OR claimed_by = ?)`,
		agentID, itemID, projectID, agentID)
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

// CreateIssue inserts a new work item row with status "ready" and returns
// a freshly allocated issue number and item id.
func (a *Adapter) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (queue.IssueRef, error) {
	var nextNumber int
	row := a.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(issue_number), 0) + 1 FROM work_items WHERE project_id = ?`, owner+"/"+repo)
	if err := row.Scan(&nextNumber); err != nil {
		return queue.IssueRef{}, fmt.Errorf("sqladapter: allocating issue number: %w", err)
	}

	itemID := fmt.Sprintf("%s/%s#%d", owner, repo, nextNumber)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO work_items (item_id, project_id, project_number, issue_number, title, body, labels, acceptance_criteria, status)
		VALUES (?, ?, 0, ?, ?, ?, ?, '', 'ready')`,
		itemID, owner+"/"+repo, nextNumber, title, body, strings.Join(labels, "\n"))
	if err != nil {
		return queue.IssueRef{}, fmt.Errorf("sqladapter: inserting work item: %w", err)
	}
	return queue.IssueRef{Number: nextNumber, ID: itemID}, nil
}

// UpdateIssueStatus sets the status column to optionID. fieldID is
// accepted for interface parity with the GraphQL adapter but unused: a
// mirrored SQL row has a single status column, not a ProjectV2 field set.
func (a *Adapter) UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	_, err := a.db.ExecContext(ctx, `UPDATE work_items SET status = ? WHERE item_id = ? AND project_id = ?`, optionID, itemID, projectID)
	if err != nil {
		return fmt.Errorf("sqladapter: updating issue status: %w", err)
	}
	return nil
}

// GetOpenIssueCount counts rows whose status is not "done" for owner/repo.
func (a *Adapter) GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error) {
	var count int
	row := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE project_id = ? AND status != 'done'`, owner+"/"+repo)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("sqladapter: counting open issues: %w", err)
	}
	return count, nil
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
