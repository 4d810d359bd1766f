// Package ticket submits generated ticket plans to a Jira-style tracker
// over its REST API.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"reqgenie/pkg/agents"
	"reqgenie/pkg/logx"
)

// Config holds the tracker connection settings. The API token comes from
// the environment, never from config files.
type Config struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string
}

// Client talks to the tracker. Used only by the Ticketing stage; any
// failure here fails that stage, never the run.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logx.Logger
}

// NewClient creates a tracker client.
func NewClient(cfg Config, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.NewLogger("ticket")
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// issueFields is the tracker's issue creation payload.
type issueFields struct {
	Project     map[string]string `json:"project"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	IssueType   map[string]string `json:"issuetype"`
	Parent      map[string]string `json:"parent,omitempty"`
	Priority    map[string]string `json:"priority,omitempty"`
}

type createRequest struct {
	Fields issueFields `json:"fields"`
}

type createResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// issueTypeName maps plan ticket types onto tracker issue types.
func issueTypeName(t string) string {
	switch t {
	case "epic":
		return "Epic"
	case "story":
		return "Story"
	case "test":
		return "Test"
	default:
		return "Task"
	}
}

// CreateTicket creates a single issue and returns its key.
func (c *Client) CreateTicket(ctx context.Context, t *agents.Ticket) (string, error) {
	fields := issueFields{
		Project:     map[string]string{"key": c.cfg.ProjectKey},
		Summary:     t.Summary,
		Description: t.Description,
		IssueType:   map[string]string{"name": issueTypeName(t.Type)},
	}
	if t.ParentKey != "" {
		fields.Parent = map[string]string{"key": t.ParentKey}
	}
	if t.Priority != "" {
		fields.Priority = map[string]string{"name": t.Priority}
	}

	body, err := json.Marshal(createRequest{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tracker request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("tracker returned %d: %s", resp.StatusCode, string(msg))
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode tracker response: %w", err)
	}
	return created.Key, nil
}

// SubmitPlan creates the epic first, then its stories, tasks, and test
// tickets, rewriting links to the keys the tracker assigned. The first
// failure stops submission.
func (c *Client) SubmitPlan(ctx context.Context, plan *agents.TicketPlan) (string, error) {
	epic := plan.Epic
	epicKey, err := c.CreateTicket(ctx, &epic)
	if err != nil {
		return "", fmt.Errorf("failed to create epic: %w", err)
	}
	c.logger.Info("created epic %s", epicKey)
	created := 1

	// Stories link to the epic; tasks and tests link to their story when
	// the plan names one, otherwise to the epic.
	storyKeys := make(map[string]string)
	for i := range plan.Stories {
		story := plan.Stories[i]
		story.ParentKey = epicKey
		key, err := c.CreateTicket(ctx, &story)
		if err != nil {
			return "", fmt.Errorf("failed to create story %q: %w", story.Summary, err)
		}
		storyKeys[plan.Stories[i].Summary] = key
		created++
	}

	rewriteParent := func(t *agents.Ticket) {
		if key, ok := storyKeys[t.ParentKey]; ok {
			t.ParentKey = key
			return
		}
		t.ParentKey = epicKey
	}

	for i := range plan.Tasks {
		task := plan.Tasks[i]
		rewriteParent(&task)
		if _, err := c.CreateTicket(ctx, &task); err != nil {
			return "", fmt.Errorf("failed to create task %q: %w", task.Summary, err)
		}
		created++
	}
	for i := range plan.Tests {
		test := plan.Tests[i]
		rewriteParent(&test)
		if _, err := c.CreateTicket(ctx, &test); err != nil {
			return "", fmt.Errorf("failed to create test %q: %w", test.Summary, err)
		}
		created++
	}

	return fmt.Sprintf("created %d tickets under epic %s", created, epicKey), nil
}
