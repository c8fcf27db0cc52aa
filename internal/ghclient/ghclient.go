// Package ghclient is the code-host GraphQL client: a 30-second
// per-request timeout, up to 3 retries with exponential backoff (2s/4s/8s)
// on transient failures and 5xx, rate-limit detection via response
// headers, and fast failure on non-429 4xx.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	requestTimeout = 30 * time.Second
	maxRetries     = 3
)

var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client is an HTTP client bound to a single GraphQL endpoint and bearer
// token. Its retry/backoff state lives on the stack of each call, so a
// single Client is safe to share across concurrent callers.
type Client struct {
	endpoint string
	token    string
	http     *http.Client

	// sleep is overridable in tests so backoff assertions don't take 14s.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a client for the given GraphQL endpoint, authenticated with
// token as a bearer credential.
func New(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{},
		sleep:    defaultSleep,
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// do executes one GraphQL request, retrying on transient failures per the
// backoff schedule and rate-limit header contract.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("ghclient: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, body, err := c.send(reqCtx, payload)
		cancel()

		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				c.sleep(ctx, backoffSchedule[attempt])
				continue
			}
			return lastErr
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.Header.Get("X-RateLimit-Remaining") == "0" {
			if attempt >= maxRetries {
				return fmt.Errorf("ghclient: rate limited after %d retries", maxRetries)
			}
			wait := rateLimitWait(resp.Header)
			c.sleep(ctx, wait)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("ghclient: server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if attempt < maxRetries {
				c.sleep(ctx, backoffSchedule[attempt])
				continue
			}
			return lastErr
		}

		if resp.StatusCode >= 400 {
			// Any 4xx other than 429 fails fast, no retry.
			return fmt.Errorf("ghclient: request failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var gqlResp graphqlResponse
		if err := json.Unmarshal(body, &gqlResp); err != nil {
			return fmt.Errorf("ghclient: decoding response: %w", err)
		}
		if len(gqlResp.Errors) > 0 {
			msgs := make([]string, len(gqlResp.Errors))
			for i, e := range gqlResp.Errors {
				msgs[i] = e.Message
			}
			return fmt.Errorf("ghclient: graphql error(s): %s", strings.Join(msgs, "; "))
		}

		if out != nil && len(gqlResp.Data) > 0 {
			if err := json.Unmarshal(gqlResp.Data, out); err != nil {
				return fmt.Errorf("ghclient: decoding data: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, payload []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("ghclient: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ghclient: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("ghclient: reading body: %w", err)
	}
	return resp, body, nil
}

// rateLimitWait computes how long to sleep from the X-RateLimit-Reset
// header (unix epoch seconds), plus a 1-second cushion.
func rateLimitWait(h http.Header) time.Duration {
	reset := h.Get("X-RateLimit-Reset")
	if reset == "" {
		return backoffSchedule[0]
	}
	epoch, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return backoffSchedule[0]
	}
	wait := time.Until(time.Unix(epoch, 0)) + time.Second
	if wait < 0 {
		return time.Second
	}
	return wait
}

// IssueRef identifies a created issue.
type IssueRef struct {
	Number int    `json:"number"`
	ID     string `json:"id"`
}

// GetOpenIssueCount returns the number of open issues in owner/repo.
func (c *Client) GetOpenIssueCount(ctx context.Context, owner, repo string) (int, error) {
	const query = `query($owner:String!, $repo:String!) {
		repository(owner: $owner, name: $repo) {
			issues(states: OPEN) { totalCount }
		}
	}`
	var out struct {
		Repository struct {
			Issues struct {
				TotalCount int `json:"totalCount"`
			} `json:"issues"`
		} `json:"repository"`
	}
	err := c.do(ctx, query, map[string]any{"owner": owner, "repo": repo}, &out)
	if err != nil {
		return 0, err
	}
	return out.Repository.Issues.TotalCount, nil
}

// ListIssueTitles returns the titles of the most recent open issues in
// owner/repo, for the ideation agent's duplicate filter. Not part of the
// queue-adapter contract — this is a separate, optional collaborator
// (internal/agentloop.IssueTitleLister).
func (c *Client) ListIssueTitles(ctx context.Context, owner, repo string) ([]string, error) {
	const query = `query($owner:String!, $repo:String!) {
		repository(owner: $owner, name: $repo) {
			issues(states: OPEN, first: 100, orderBy: {field: CREATED_AT, direction: DESC}) {
				nodes { title }
			}
		}
	}`
	var out struct {
		Repository struct {
			Issues struct {
				Nodes []struct {
					Title string `json:"title"`
				} `json:"nodes"`
			} `json:"issues"`
		} `json:"repository"`
	}
	if err := c.do(ctx, query, map[string]any{"owner": owner, "repo": repo}, &out); err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(out.Repository.Issues.Nodes))
	for _, n := range out.Repository.Issues.Nodes {
		titles = append(titles, n.Title)
	}
	return titles, nil
}

// ProjectItem is one row returned from a ProjectV2 board query: an issue
// plus the project-item identifiers a caller needs to claim or re-status it.
type ProjectItem struct {
	ItemID      string
	IssueNumber int
	Title       string
	Body        string
	Labels      []string
	Criteria    []string
}

// FindNextWorkItem returns the first unassigned, "Ready"-status item on
// projectID's board, or nil if none is available.
func (c *Client) FindNextWorkItem(ctx context.Context, projectID string) (*ProjectItem, error) {
	const query = `query($project:ID!) {
		node(id: $project) {
			... on ProjectV2 {
				items(first: 50) {
					nodes {
						id
						fieldValueByName(name: "Status") {
							... on ProjectV2ItemFieldSingleSelectValue { name }
						}
						content {
							... on Issue {
								number
								title
								body
								assignees(first: 1) { totalCount }
								labels(first: 20) { nodes { name } }
							}
						}
					}
				}
			}
		}
	}`

	var out struct {
		Node struct {
			Items struct {
				Nodes []struct {
					ID              string `json:"id"`
					FieldValueByName struct {
						Name string `json:"name"`
					} `json:"fieldValueByName"`
					Content struct {
						Number    int    `json:"number"`
						Title     string `json:"title"`
						Body      string `json:"body"`
						Assignees struct {
							TotalCount int `json:"totalCount"`
						} `json:"assignees"`
						Labels struct {
							Nodes []struct {
								Name string `json:"name"`
							} `json:"nodes"`
						} `json:"labels"`
					} `json:"content"`
				} `json:"nodes"`
			} `json:"items"`
		} `json:"node"`
	}

	if err := c.do(ctx, query, map[string]any{"project": projectID}, &out); err != nil {
		return nil, err
	}

	for _, n := range out.Node.Items.Nodes {
		if n.FieldValueByName.Name != "Ready" || n.Content.Assignees.TotalCount > 0 {
			continue
		}
		labels := make([]string, 0, len(n.Content.Labels.Nodes))
		for _, l := range n.Content.Labels.Nodes {
			labels = append(labels, l.Name)
		}
		return &ProjectItem{
			ItemID:      n.ID,
			IssueNumber: n.Content.Number,
			Title:       n.Content.Title,
			Body:        n.Content.Body,
			Labels:      labels,
			Criteria:    parseAcceptanceCriteria(n.Content.Body),
		}, nil
	}
	return nil, nil
}

// parseAcceptanceCriteria extracts checklist-style lines ("- [ ] ...") from
// an issue body as the ordered acceptance-criteria sequence.
func parseAcceptanceCriteria(body string) []string {
	var criteria []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range []string{"- [ ]", "- [x]", "- [X]", "* [ ]"} {
			if strings.HasPrefix(trimmed, prefix) {
				criteria = append(criteria, strings.TrimSpace(trimmed[len(prefix):]))
				break
			}
		}
	}
	return criteria
}

// ClaimIssue idempotently assigns a project item to agentID by updating the
// status field. itemID doubles as the field id in the mutation — that is
// the externally-injected contract this client is bound to, not a schema
// this package validates.
func (c *Client) ClaimIssue(ctx context.Context, projectID, itemID, agentID string) bool {
	const mutation = `mutation($project:ID!, $item:ID!, $field:ID!, $value:String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field,
			value: { text: $value }
		}) { clientMutationId }
	}`
	err := c.do(ctx, mutation, map[string]any{
		"project": projectID,
		"item":    itemID,
		"field":   itemID,
		"value":   agentID,
	}, nil)
	return err == nil
}

// CreateIssue files a new issue and returns its number and node id.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (IssueRef, error) {
	const mutation = `mutation($repoId:ID!, $title:String!, $body:String!, $labelIds:[ID!]) {
		createIssue(input: { repositoryId: $repoId, title: $title, body: $body, labelIds: $labelIds }) {
			issue { number id }
		}
	}`
	var out struct {
		CreateIssue struct {
			Issue IssueRef `json:"issue"`
		} `json:"createIssue"`
	}
	variables := map[string]any{
		"repoId": owner + "/" + repo,
		"title":  title,
		"body":   body,
	}
	if len(labels) > 0 {
		variables["labelIds"] = labels
	}
	if err := c.do(ctx, mutation, variables, &out); err != nil {
		return IssueRef{}, err
	}
	return out.CreateIssue.Issue, nil
}

// UpdateIssueStatus updates a project item's status field to optionID.
func (c *Client) UpdateIssueStatus(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	const mutation = `mutation($project:ID!, $item:ID!, $field:ID!, $option:String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field,
			value: { singleSelectOptionId: $option }
		}) { clientMutationId }
	}`
	return c.do(ctx, mutation, map[string]any{
		"project": projectID,
		"item":    itemID,
		"field":   fieldID,
		"option":  optionID,
	}, nil)
}
