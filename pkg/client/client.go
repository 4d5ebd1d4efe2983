package client

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

	"github.com/google/uuid"
)

// Client is a thin HTTP wrapper around the senpuki executor's REST facade.
type Client struct {
	baseURL    string
	httpClient *http.Client
	opts       *options
	ws         *WebSocketClient
}

// New creates a new Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: empty base URL")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: o.httpClient,
		opts:       o,
	}, nil
}

// DispatchRequest is the body of a dispatch call.
type DispatchRequest struct {
	FunctionName   string          `json:"function_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Queue          string          `json:"queue,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
	ExpirySeconds  int             `json:"expiry_seconds,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Execution mirrors the executor's JSON view of one workflow instance.
type Execution struct {
	ID          uuid.UUID         `json:"id"`
	RootStep    string            `json:"root_step"`
	Arguments   json.RawMessage   `json:"arguments"`
	State       string            `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Counters    map[string]int64  `json:"counters"`
	CustomState map[string][]byte `json:"custom_state"`
}

// WaitResult is the outcome of a completed or failed Wait call.
type WaitResult struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DeadLetter mirrors storage.DeadLetter.
type DeadLetter struct {
	ID        uuid.UUID       `json:"id"`
	Task      json.RawMessage `json:"task"`
	Error     string          `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats is the response body of GET /admin/stats.
type Stats struct {
	ExecutionsByState map[string]int64 `json:"executions_by_state"`
	ExecutionsTotal   int64            `json:"executions_total"`
	DLQSize           int64            `json:"dlq_size"`
}

// apiError carries the error envelope every handler returns on failure.
type apiError struct {
	Status  int    `json:"-"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) asError() error {
	return fmt.Errorf("senpuki api: %s (%d): %s", e.Error, e.Status, e.Message)
}

// Dispatch starts a new execution and returns its id.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (uuid.UUID, error) {
	var body struct {
		ExecutionID uuid.UUID `json:"execution_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions", req, &body); err != nil {
		return uuid.Nil, err
	}
	return body.ExecutionID, nil
}

// GetExecution returns the current state of an execution.
func (c *Client) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	var exec Execution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+id.String(), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Wait blocks until the execution reaches a terminal state or timeout
// elapses (0 means no timeout). It reports the server's gateway-timeout
// response as a plain error rather than as a WaitResult.
func (c *Client) Wait(ctx context.Context, id uuid.UUID, timeout time.Duration) (*WaitResult, error) {
	req := struct {
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	}{TimeoutSeconds: int(timeout / time.Second)}

	var result WaitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+id.String()+"/wait", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendSignal delivers payload to a running execution's named signal queue.
func (c *Client) SendSignal(ctx context.Context, id uuid.UUID, name string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: marshal signal payload: %w", err)
		}
		raw = encoded
	}

	req := struct {
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Payload: raw}

	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/executions/%s/signals/%s", id, name), req, nil)
}

// ListExecutions lists executions, optionally filtered by state.
func (c *Client) ListExecutions(ctx context.Context, state string) ([]*Execution, error) {
	path := "/api/v1/executions"
	if state != "" {
		path += "?state=" + state
	}

	var body struct {
		Executions []*Execution `json:"executions"`
		Count      int          `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Executions, nil
}

// GetStats returns the operator dashboard's aggregate counts.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/admin/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListDeadLetters lists dead-lettered tasks, most recent first.
func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	path := "/admin/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var body struct {
		Entries []*DeadLetter `json:"entries"`
		Size    int64         `json:"size"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// GetDeadLetter returns a single dead-letter entry.
func (c *Client) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error) {
	var dl DeadLetter
	if err := c.do(ctx, http.MethodGet, "/admin/dlq/"+id.String(), nil, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

// ReplayDeadLetter re-enqueues a dead-lettered task, optionally onto a
// different queue.
func (c *Client) ReplayDeadLetter(ctx context.Context, id uuid.UUID, queue string) error {
	req := struct {
		Queue string `json:"queue,omitempty"`
	}{Queue: queue}
	return c.do(ctx, http.MethodPost, "/admin/dlq/"+id.String()+"/replay", req, nil)
}

// DeleteDeadLetter removes a dead-letter entry without replaying it.
func (c *Client) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/admin/dlq/"+id.String(), nil, nil)
}

// Health checks the server's /admin/health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/admin/health", nil, nil)
}

// ConnectWebSocket establishes a WebSocket connection for real-time
// dashboard events.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel of dashboard transition messages. Must call
// ConnectWebSocket first.
func (c *Client) Events() <-chan *Message {
	if c.ws == nil {
		ch := make(chan *Message)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *Client) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr.asError()
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
