// Package agentclient is a small Go client for the mcp-agent-worker HTTP API.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Agent runs can take minutes, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the agent worker.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Message is a user message sent to the agent.
type Message struct {
	Message  string `json:"message"`
	UserID   string `json:"user_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Reply is the agent's answer to a message.
type Reply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PlanSubmission creates an asynchronous plan job. Plan must be valid JSON.
type PlanSubmission struct {
	ID       string          `json:"id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	PlanJSON json.RawMessage `json:"plan_json"`
}

// Plan is the server-side state of a plan job.
type Plan struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Plan       string `json:"plan"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reply      string `json:"reply,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Finished reports whether the plan reached a terminal status.
func (p Plan) Finished() bool {
	return p.Status == "succeeded" || p.Status == "failed"
}

// ToolsReloaded is returned by RereadTools.
type ToolsReloaded struct {
	Status     string   `json:"status"`
	Generation uint64   `json:"generation"`
	Tools      []string `json:"tools"`
}

// APIError represents a non-2xx response. For failed messages Message carries
// the user-facing apology returned by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health checks that the worker is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// SendMessage sends a message and waits for the agent's final answer.
func (c *Client) SendMessage(ctx context.Context, msg Message) (Reply, error) {
	var reply Reply
	if err := c.do(ctx, http.MethodPost, "/message", msg, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// RereadTools asks the worker to reload its tool catalog.
func (c *Client) RereadTools(ctx context.Context) (ToolsReloaded, error) {
	var out ToolsReloaded
	if err := c.do(ctx, http.MethodGet, "/reread_tools", nil, &out); err != nil {
		return ToolsReloaded{}, err
	}
	return out, nil
}

// SubmitPlan enqueues a plan for asynchronous execution.
func (c *Client) SubmitPlan(ctx context.Context, submission PlanSubmission) (Plan, error) {
	var p Plan
	if err := c.do(ctx, http.MethodPost, "/plans", submission, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// GetPlan fetches a plan job by identifier.
func (c *Client) GetPlan(ctx context.Context, id string) (Plan, error) {
	var p Plan
	if err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(id), nil, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// WaitForPlan polls until the plan finishes or ctx is done.
func (c *Client) WaitForPlan(ctx context.Context, id string, interval time.Duration) (Plan, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.GetPlan(ctx, id)
		if err != nil {
			return Plan{}, err
		}
		if p.Finished() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return Plan{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
