package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/forgehq/foreman/internal/domain"
)

// MemoryAdapter is an in-process Adapter backed by maps keyed by item ID,
// with no code host behind it.
type MemoryAdapter struct {
	mu       sync.Mutex
	items    map[string]*Item // itemID -> item
	claimed  map[string]string // itemID -> agentID
	nextItem int
	nextIssue int
	owner, repo string
	projectID   string
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty in-memory queue for owner/repo.
func NewMemoryAdapter(owner, repo, projectID string) *MemoryAdapter {
	return &MemoryAdapter{
		items:     make(map[string]*Item),
		claimed:   make(map[string]string),
		nextItem:  1,
		nextIssue: 1,
		owner:     owner,
		repo:      repo,
		projectID: projectID,
	}
}

// Seed adds a work item to the queue directly, returning its itemID. Used
// by tests to populate the queue without going through CreateIssue.
func (m *MemoryAdapter) Seed(item domain.WorkItem) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("item-%d", m.nextItem)
	m.nextItem++
	m.items[id] = &Item{WorkItem: item, ProjectID: m.projectID, ItemID: id}
	return id
}

func (m *MemoryAdapter) FindNextWorkItem(ctx context.Context, agentID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id := range m.items {
		if _, claimed := m.claimed[id]; !claimed {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	item := *m.items[ids[0]]
	return &item, nil
}

func (m *MemoryAdapter) ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[itemID]; !ok {
		return false
	}
	if existing, ok := m.claimed[itemID]; ok && existing != agentID {
		return false
	}
	m.claimed[itemID] = agentID
	return true
}

func (m *MemoryAdapter) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (IssueRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	number := m.nextIssue
	m.nextIssue++
	id := fmt.Sprintf("item-%d", m.nextItem)
	m.nextItem++
	m.items[id] = &Item{
		WorkItem: domain.WorkItem{
			IssueNumber: number,
			IssueTitle:  title,
			IssueBody:   body,
			Labels:      labels,
		},
		ProjectID: m.projectID,
		ItemID:    id,
	}
	return IssueRef{Number: number, ID: id}, nil
}

func (m *MemoryAdapter) UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[itemID]; !ok {
		return fmt.Errorf("queue: unknown item %q", itemID)
	}
	return nil
}

func (m *MemoryAdapter) GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}
