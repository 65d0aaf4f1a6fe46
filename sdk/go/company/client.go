package company

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the company daemon API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	company    string
	dialer     *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the operator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithCompany selects the company every call addresses. Empty means the
// daemon's default company.
func WithCompany(name string) Option {
	return func(c *Client) { c.company = strings.TrimSpace(name) }
}

// WithDialer overrides the websocket dialer used by Events.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("company api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("company api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL.
func NewClient(rawURL string, httpClient *http.Client, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{baseURL: parsed, httpClient: httpClient, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Company returns the company this client addresses.
func (c *Client) Company() string { return c.company }

// Companies lists the companies hosted by the daemon, default first.
func (c *Client) Companies(ctx context.Context) ([]string, error) {
	var out struct {
		Companies []string `json:"companies"`
	}
	err := c.get(ctx, "/api/companies", nil, &out)
	return out.Companies, err
}

// Status returns the company overview.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.get(ctx, "/api/status", nil, &out)
	return out, err
}

// Agents lists the company's agents.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := c.get(ctx, "/api/agents", nil, &out)
	return out, err
}

// OrgChart returns the organisation tree rooted at the owner.
func (c *Client) OrgChart(ctx context.Context) (OrgNode, error) {
	var out OrgNode
	err := c.get(ctx, "/api/org-chart", nil, &out)
	return out, err
}

// Tasks lists tasks matching the filter.
func (c *Client) Tasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := url.Values{}
	if f.GoalRunID != "" {
		q.Set("goal_run_id", f.GoalRunID)
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var out []Task
	err := c.get(ctx, "/api/tasks", q, &out)
	return out, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.get(ctx, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CreateTask submits an operator task.
func (c *Client) CreateTask(ctx context.Context, req CreateTask) (Task, error) {
	var out Task
	err := c.post(ctx, "/api/tasks", req, &out)
	return out, err
}

// Goals lists goal runs, oldest first.
func (c *Client) Goals(ctx context.Context) ([]GoalRun, error) {
	var out []GoalRun
	err := c.get(ctx, "/api/goals", nil, &out)
	return out, err
}

// Goal fetches a goal run with its tasks.
func (c *Client) Goal(ctx context.Context, id string) (GoalDetail, error) {
	var out GoalDetail
	err := c.get(ctx, "/api/goals/"+url.PathEscape(id), nil, &out)
	return out, err
}

// SubmitGoal starts a goal run.
func (c *Client) SubmitGoal(ctx context.Context, goal string) (GoalRun, error) {
	var out GoalRun
	err := c.post(ctx, "/api/goals", map[string]string{"goal": goal}, &out)
	return out, err
}

// StopGoal asks a running goal to halt at its next checkpoint.
func (c *Client) StopGoal(ctx context.Context, id string) error {
	return c.post(ctx, "/api/goals/"+url.PathEscape(id)+"/stop", nil, nil)
}

// ResumeGoal continues an unfinished goal run from its last snapshot.
func (c *Client) ResumeGoal(ctx context.Context, id string) (GoalRun, error) {
	var out GoalRun
	err := c.post(ctx, "/api/goals/"+url.PathEscape(id)+"/resume", nil, &out)
	return out, err
}

// WaitGoal polls until the run finishes or ctx ends.
func (c *Client) WaitGoal(ctx context.Context, id string, every time.Duration) (GoalRun, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		detail, err := c.Goal(ctx, id)
		if err != nil {
			return GoalRun{}, err
		}
		if detail.Run.Finished() {
			return detail.Run, nil
		}
		select {
		case <-ctx.Done():
			return detail.Run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cost returns the spend summary with the last recent calls.
func (c *Client) Cost(ctx context.Context, recent int) (CostReport, error) {
	q := url.Values{}
	if recent >= 0 {
		q.Set("recent", strconv.Itoa(recent))
	}
	var out CostReport
	err := c.get(ctx, "/api/cost", q, &out)
	return out, err
}

// Payments lists payment requests, optionally by status.
func (c *Client) Payments(ctx context.Context, status string) ([]Payment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []Payment
	err := c.get(ctx, "/api/payments", q, &out)
	return out, err
}

// Payment fetches one payment request.
func (c *Client) Payment(ctx context.Context, id string) (Payment, error) {
	var out Payment
	err := c.get(ctx, "/api/payments/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ApprovePayment approves a pending payment; the daemon submits it on chain.
func (c *Client) ApprovePayment(ctx context.Context, id string) (Payment, error) {
	var out Payment
	err := c.post(ctx, "/api/payments/"+url.PathEscape(id)+"/approve", nil, &out)
	return out, err
}

// RejectPayment rejects a pending payment.
func (c *Client) RejectPayment(ctx context.Context, id string) (Payment, error) {
	var out Payment
	err := c.post(ctx, "/api/payments/"+url.PathEscape(id)+"/reject", nil, &out)
	return out, err
}

// Wallet returns the wallet snapshot on chain, or the default chain when empty.
func (c *Client) Wallet(ctx context.Context, chain string) (WalletSnapshot, error) {
	q := url.Values{}
	if chain != "" {
		q.Set("chain", chain)
	}
	var out WalletSnapshot
	err := c.get(ctx, "/api/wallet", q, &out)
	return out, err
}

// EventFilter selects which events Events streams.
type EventFilter struct {
	// After replays buffered events with a larger sequence number first.
	After  uint64
	Topics []string
}

// Events streams engine events until ctx ends or the connection drops. The
// returned channel is closed when the stream stops.
func (c *Client) Events(ctx context.Context, f EventFilter) (<-chan Event, error) {
	q := url.Values{}
	if f.After > 0 {
		q.Set("after", strconv.FormatUint(f.After, 10))
	}
	if len(f.Topics) > 0 {
		q.Set("topics", strings.Join(f.Topics, ","))
	}
	u := c.endpoint("/api/events", q)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan Event)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) endpoint(p string, q url.Values) *url.URL {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	if q == nil {
		q = url.Values{}
	}
	if c.company != "" {
		q.Set("company", c.company)
	}
	u.RawQuery = q.Encode()
	return &u
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(endpoint, nil), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(endpoint, q), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// auth failures come back as plain text
				apiErr.Message = string(bytes.TrimSpace(data))
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
