package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TaskQueueClient is a Go SDK for the submission surface and the
// worker-facing register/heartbeat/acquire/report/deregister contract.
type TaskQueueClient struct {
	baseURL    string
	httpClient *http.Client
	opts       *options
	ws         *WebSocketClient
}

// New creates a new TaskQueueClient.
func New(baseURL string, opts ...Option) (*TaskQueueClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &TaskQueueClient{
		baseURL:    baseURL,
		httpClient: o.httpClient,
		opts:       o,
	}, nil
}

// CreateTaskRequest is the wire shape of a submit(spec) call, mirroring
// internal/api/handlers.CreateTaskRequest.
type CreateTaskRequest struct {
	TaskName       string          `json:"task_name"`
	Args           json.RawMessage `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	RetryBaseDelay int             `json:"retry_base_delay_seconds,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CronExpression string          `json:"cron_expression,omitempty"`
	WaitSet        []WaitEntry     `json:"wait_set,omitempty"`
	WaitMode       string          `json:"wait_mode,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

// WaitEntry is one predecessor in a task's wait set, mirroring
// internal/task.WaitEntry.
type WaitEntry struct {
	TaskID string `json:"task_id"`
}

// TaskResponse is the wire shape of a Task as rendered by the submission
// and admin surfaces.
type TaskResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"task_name"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SubmitTask creates a new task and returns the created task.
func (c *TaskQueueClient) SubmitTask(ctx context.Context, req CreateTaskRequest) (*TaskResponse, error) {
	var resp TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTaskByID retrieves a task by its ID.
func (c *TaskQueueClient) GetTaskByID(ctx context.Context, taskID string) (*TaskResponse, error) {
	var resp TaskResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTaskByID cancels a task by its ID.
func (c *TaskQueueClient) CancelTaskByID(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil)
}

// ReplayTaskByID submits a new task cloned from a terminal one.
func (c *TaskQueueClient) ReplayTaskByID(ctx context.Context, taskID string) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/replay", nil, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// QueueStats is the wire shape of the admin queue-depth surface.
type QueueStats struct {
	Queues     map[string]int64 `json:"queues"`
	TotalDepth int64            `json:"total_depth"`
}

// GetQueueStatistics returns the current queue depths.
func (c *TaskQueueClient) GetQueueStatistics(ctx context.Context) (*QueueStats, error) {
	var resp QueueStats
	if err := c.do(ctx, http.MethodGet, "/admin/queues", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth checks the health of the coordinator process.
func (c *TaskQueueClient) CheckHealth(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	if err := c.do(ctx, http.MethodGet, "/admin/health", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *TaskQueueClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events.
// Must call ConnectWebSocket first.
func (c *TaskQueueClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *TaskQueueClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *TaskQueueClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}

// do issues one HTTP request against the coordinator and decodes a JSON
// response, applying the configured API key / custom headers.
func (c *TaskQueueClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := ctx.Value(sessionTokenKey{}).(string); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return fmt.Errorf("client: applying headers: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}

// APIError is returned for any non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: unexpected status %d: %s", e.StatusCode, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}
