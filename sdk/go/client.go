package bountylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project mirrors the API project model.
type Project struct {
	ID                 int64      `json:"id"`
	Client             string     `json:"client"`
	PayoutMode         string     `json:"payout_mode"`
	State              string     `json:"state"`
	TotalTasks         int64      `json:"total_tasks"`
	CompletedTasks     int64      `json:"completed_tasks"`
	PendingSubmissions int64      `json:"pending_submissions"`
	RewardPerTask      int64      `json:"reward_per_task"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	MinReputation      int64      `json:"min_reputation"`
	ReputationBonus    int64      `json:"reputation_bonus"`
	DatasetURI         string     `json:"dataset_uri,omitempty"`
	TotalDeposited     int64      `json:"total_deposited"`
	EscrowBalance      int64      `json:"escrow_balance"`
	Locked             int64      `json:"locked"`
	AvailableFunds     int64      `json:"available_funds"`
	PaidOut            int64      `json:"paid_out"`
	Refunded           int64      `json:"refunded"`
	CreatedAt          time.Time  `json:"created_at"`
	LastSeq            int64      `json:"last_seq"`
}

// Event represents a log entry.
type Event struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ProjectID int64          `json:"project_id"`
	ActorID   string         `json:"actor_id"`
	TS        time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

// Result is returned by every mutating project call.
type Result struct {
	Project     Project `json:"project"`
	Events      []Event `json:"events"`
	Transferred int64   `json:"transferred"`
}

// CreateProject describes a new bounty project. Zero values take server defaults.
type CreateProject struct {
	PayoutMode      string     `json:"payout_mode,omitempty"`
	TotalTasks      int64      `json:"total_tasks"`
	RewardPerTask   int64      `json:"reward_per_task"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	MinReputation   int64      `json:"min_reputation,omitempty"`
	ReputationBonus *int64     `json:"reputation_bonus,omitempty"`
	DatasetURI      string     `json:"dataset_uri,omitempty"`
}

type WorkRecord struct {
	Worker         string `json:"worker"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarned    int64  `json:"total_earned"`
}

type Account struct {
	Account string           `json:"account"`
	Balance int64            `json:"balance"`
	Entries []map[string]any `json:"entries"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project owned by the authenticated caller.
func (c *Client) CreateProject(ctx context.Context, req CreateProject) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/projects", req, &resp)
	return resp, err
}

// Project fetches a project snapshot.
func (c *Client) Project(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// Projects lists projects, optionally filtered by client and state.
func (c *Client) Projects(ctx context.Context, client, state string) ([]Project, error) {
	q := url.Values{}
	if client != "" {
		q.Set("client", client)
	}
	if state != "" {
		q.Set("state", state)
	}
	endpoint := "v0/projects"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Deposit(ctx context.Context, id, amount int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "deposits"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Claim submits taskCount completed tasks on an immediate-payout project.
func (c *Client) Claim(ctx context.Context, id, taskCount int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "claims"), map[string]any{"task_count": taskCount}, &resp)
	return resp, err
}

// Submit records an annotation awaiting approval.
func (c *Client) Submit(ctx context.Context, id int64, uri string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "submissions"), map[string]any{"uri": uri}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id int64, worker string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "submissions/"+url.PathEscape(worker)+"/approve"), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, id int64, worker string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "submissions/"+url.PathEscape(worker)+"/reject"), nil, &resp)
	return resp, err
}

// Payout pays worker from free escrow.
func (c *Client) Payout(ctx context.Context, id int64, worker string, amount int64) (Result, error) {
	var resp Result
	body := map[string]any{"worker": worker, "amount": amount}
	err := c.do(ctx, http.MethodPost, projectPath(id, "payouts"), body, &resp)
	return resp, err
}

func (c *Client) Refund(ctx context.Context, id int64) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "refund"), nil, &resp)
	return resp, err
}

func (c *Client) Work(ctx context.Context, id int64) ([]WorkRecord, error) {
	var resp struct {
		Items []WorkRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(id, "work"), nil, &resp)
	return resp.Items, err
}

func (c *Client) AvailableFunds(ctx context.Context, id int64) (int64, error) {
	var resp struct {
		AvailableFunds int64 `json:"available_funds"`
	}
	err := c.do(ctx, http.MethodGet, projectPath(id, "funds"), nil, &resp)
	return resp.AvailableFunds, err
}

// Account returns the balance and recent ledger entries of an account.
func (c *Client) Account(ctx context.Context, account string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "v0/ledger/accounts/"+url.PathEscape(account), nil, &resp)
	return resp, err
}

func (c *Client) Reputation(ctx context.Context, identity string) (int64, error) {
	var resp struct {
		Score int64 `json:"score"`
	}
	err := c.do(ctx, http.MethodGet, "v0/reputation/"+url.PathEscape(identity), nil, &resp)
	return resp.Score, err
}

// Events returns recent events of a project.
func (c *Client) Events(ctx context.Context, id int64, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, id, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, id int64, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := projectPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(id int64, p string) string {
	if p == "" {
		return fmt.Sprintf("v0/projects/%d", id)
	}
	return fmt.Sprintf("v0/projects/%d/%s", id, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
