package quantdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the QuantDesk REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ExecuteRequest represents the payload for synchronous capability execution.
type ExecuteRequest struct {
	CapabilityID string         `json:"capability_id"`
	Input        map[string]any `json:"input,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Async        bool           `json:"async,omitempty"`
}

// Envelope is the uniform response of a synchronous execution.
type Envelope struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	ExecutionID string `json:"execution_id"`
	DurationMS  int64  `json:"duration_ms"`
}

// TaskConfig mirrors the queue configuration accepted by the server.
type TaskConfig struct {
	Queue             string `json:"queue,omitempty"`
	Priority          string `json:"priority,omitempty"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	RetryDelaySeconds int    `json:"retry_delay_seconds,omitempty"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	CountdownSeconds  int    `json:"countdown_seconds,omitempty"`
	ETA               int64  `json:"eta,omitempty"`
}

// EnqueueRequest represents the payload required to create a queued task.
type EnqueueRequest struct {
	CapabilityID string         `json:"capability_id"`
	Input        map[string]any `json:"input,omitempty"`
	Config       TaskConfig     `json:"config"`
}

// Task contains the server side view of a queued task.
type Task struct {
	ID              string  `json:"id"`
	CapabilityID    string  `json:"capability_id"`
	Status          string  `json:"status"`
	Queue           string  `json:"queue"`
	Priority        string  `json:"priority"`
	Result          any     `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorType       string  `json:"error_type,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	ProgressMessage string  `json:"progress_message,omitempty"`
	RetryCount      int     `json:"retry_count"`
	MaxRetries      int     `json:"max_retries"`
	CreatedAt       int64   `json:"created_at"`
	StartedAt       int64   `json:"started_at,omitempty"`
	CompletedAt     int64   `json:"completed_at,omitempty"`
	UpdatedAt       int64   `json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "timeout", "cancelled":
		return true
	default:
		return false
	}
}

// Stats aggregates task counts by status.
type Stats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Retry     int64 `json:"retry"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
	Cancelled int64 `json:"cancelled"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("quantdesk api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the QuantDesk API. When httpClient is
// nil, a default client with a sensible timeout is used.
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

// Execute runs a capability synchronously and returns the uniform envelope.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Envelope, error) {
	req.Async = false
	var env Envelope
	if err := c.post(ctx, "/api/v1/executions", req, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Enqueue creates a new queued task.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", req, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches the status snapshot of a task. Unknown tasks come back as
// synthesized failed records rather than errors.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID)
	if err := c.get(ctx, endpoint, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// CancelTask requests cancellation of a task. It reports whether the request
// took effect.
func (c *Client) CancelTask(ctx context.Context, taskID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/cancel"
	if err := c.post(ctx, endpoint, struct{}{}, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// Stats returns aggregate task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// WaitForTask polls the task until it reaches a terminal state or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
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
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
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
