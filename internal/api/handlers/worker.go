package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/taskqueue/core/internal/coordinator"
	"github.com/taskqueue/core/internal/dispatcher"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/serializer"
)

// WorkerHandler serves the worker-facing surface
// (register/heartbeat/acquire/report/deregister) that pkg/client calls.
type WorkerHandler struct {
	coord *coordinator.Coordinator
}

func NewWorkerHandler(coord *coordinator.Coordinator) *WorkerHandler {
	return &WorkerHandler{coord: coord}
}

func sessionToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// RegisterRequest is the body of POST /worker/v1/register.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Hostname string `json:"hostname"`
	Capacity int    `json:"capacity"`
}

// Register handles POST /worker/v1/register.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		respondError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	token, err := h.coord.Register(r.Context(), req.WorkerID, req.Hostname, req.Capacity)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", req.WorkerID).Msg("failed to register worker")
		respondError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	logger.Info().Str("worker_id", req.WorkerID).Msg("worker registered")
	respondJSON(w, http.StatusCreated, map[string]string{"session_token": token})
}

// HeartbeatRequest is the body of POST /worker/v1/heartbeat.
type HeartbeatRequest struct {
	CurrentLoad int `json:"current_load"`
}

// Heartbeat handles POST /worker/v1/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.coord.Heartbeat(r.Context(), sessionToken(r), req.CurrentLoad); err != nil {
		if errors.Is(err, coordinator.ErrInvalidSession) {
			respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		logger.Error().Err(err).Msg("failed to record heartbeat")
		respondError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Acquire handles POST /worker/v1/acquire.
func (h *WorkerHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	t, err := h.coord.Acquire(r.Context(), sessionToken(r))
	if err != nil {
		if errors.Is(err, coordinator.ErrInvalidSession) {
			respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		if errors.Is(err, dispatcher.ErrNoWork) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.Error().Err(err).Msg("failed to acquire task")
		respondError(w, http.StatusInternalServerError, "failed to acquire task")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ReportRequest is the body of POST /worker/v1/report.
type ReportRequest struct {
	TaskID        string          `json:"task_id"`
	AttemptNumber int             `json:"attempt_number"`
	StartedAt     time.Time       `json:"started_at"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CurrentLoad   int             `json:"current_load"`
}

// Report handles POST /worker/v1/report.
func (h *WorkerHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := coordinator.ReportInput{
		TaskID:        req.TaskID,
		AttemptNumber: req.AttemptNumber,
		Started:       req.StartedAt,
		Status:        req.Status,
		ErrorKind:     req.ErrorKind,
		ErrorMessage:  req.ErrorMessage,
		CurrentLoad:   req.CurrentLoad,
	}
	if len(req.Result) > 0 {
		p, err := serializer.EncodeJSON(req.Result)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid result payload")
			return
		}
		in.Result = p
	}

	if err := h.coord.Report(r.Context(), sessionToken(r), in); err != nil {
		if errors.Is(err, coordinator.ErrInvalidSession) {
			respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		logger.Error().Err(err).Str("task_id", req.TaskID).Msg("failed to report outcome")
		respondError(w, http.StatusInternalServerError, "failed to report outcome")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Deregister handles POST /worker/v1/deregister.
func (h *WorkerHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Deregister(r.Context(), sessionToken(r)); err != nil {
		if errors.Is(err, coordinator.ErrInvalidSession) {
			respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		logger.Error().Err(err).Msg("failed to deregister worker")
		respondError(w, http.StatusInternalServerError, "failed to deregister worker")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
