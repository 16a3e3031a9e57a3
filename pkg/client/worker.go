package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WorkerSession is a registered worker's authenticated handle onto the
// coordinator's worker-facing surface (register/heartbeat/acquire/report/
// deregister, spec §4.9).
type WorkerSession struct {
	client       *TaskQueueClient
	workerID     string
	sessionToken string
}

// RegisterWorker enrolls a worker and returns a session bound to the
// returned session_token.
func (c *TaskQueueClient) RegisterWorker(ctx context.Context, workerID, hostname string, capacity int) (*WorkerSession, error) {
	var resp struct {
		SessionToken string `json:"session_token"`
	}
	body := map[string]interface{}{
		"worker_id": workerID,
		"hostname":  hostname,
		"capacity":  capacity,
	}
	if err := c.do(ctx, http.MethodPost, "/worker/v1/register", body, &resp); err != nil {
		return nil, fmt.Errorf("client: register worker: %w", err)
	}
	return &WorkerSession{client: c, workerID: workerID, sessionToken: resp.SessionToken}, nil
}

// Heartbeat reports the worker's current load to extend its lease.
func (s *WorkerSession) Heartbeat(ctx context.Context, currentLoad int) error {
	return s.client.doAuthorized(ctx, s.sessionToken, http.MethodPost, "/worker/v1/heartbeat",
		map[string]int{"current_load": currentLoad}, nil)
}

// ErrNoWork is returned by Acquire when the coordinator has no ready task.
var ErrNoWork = fmt.Errorf("client: no work available")

// Acquire claims one ready task, or ErrNoWork if none is available.
func (s *WorkerSession) Acquire(ctx context.Context) (*TaskResponse, error) {
	var resp TaskResponse
	if err := s.client.doAuthorized(ctx, s.sessionToken, http.MethodPost, "/worker/v1/acquire", nil, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, ErrNoWork
	}
	return &resp, nil
}

// ReportOutcome is the worker's completion payload for one attempt,
// mirroring internal/api/handlers.ReportRequest.
type ReportOutcome struct {
	TaskID        string
	AttemptNumber int
	StartedAt     time.Time
	Status        string // task.OutcomeCompleted / OutcomeFailed / OutcomeTimeout
	Result        interface{}
	ErrorKind     string
	ErrorMessage  string
	CurrentLoad   int
}

// Report tells the coordinator the outcome of the most recently acquired
// attempt.
func (s *WorkerSession) Report(ctx context.Context, out ReportOutcome) error {
	var rawResult json.RawMessage
	if out.Result != nil {
		raw, err := json.Marshal(out.Result)
		if err != nil {
			return fmt.Errorf("client: encoding report result: %w", err)
		}
		rawResult = raw
	}

	body := map[string]interface{}{
		"task_id":        out.TaskID,
		"attempt_number": out.AttemptNumber,
		"started_at":     out.StartedAt,
		"status":         out.Status,
		"result":         rawResult,
		"error_kind":     out.ErrorKind,
		"error_message":  out.ErrorMessage,
		"current_load":   out.CurrentLoad,
	}
	return s.client.doAuthorized(ctx, s.sessionToken, http.MethodPost, "/worker/v1/report", body, nil)
}

// Deregister tells the coordinator this worker is leaving the pool.
func (s *WorkerSession) Deregister(ctx context.Context) error {
	return s.client.doAuthorized(ctx, s.sessionToken, http.MethodPost, "/worker/v1/deregister", nil, nil)
}

// doAuthorized is do with the session's bearer token attached, bypassing
// the client-level WithAPIKey header (worker sessions and client API keys
// are different credentials, spec §6).
func (c *TaskQueueClient) doAuthorized(ctx context.Context, token, method, path string, body, out interface{}) error {
	ctx = context.WithValue(ctx, sessionTokenKey{}, token)
	return c.do(ctx, method, path, body, out)
}

type sessionTokenKey struct{}
