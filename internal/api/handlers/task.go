package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskqueue/core/internal/coordinator"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/serializer"
	"github.com/taskqueue/core/internal/store"
	"github.com/taskqueue/core/internal/task"
)

// TaskHandler serves the submission surface (spec §6): submit, get,
// list, cancel, replay.
type TaskHandler struct {
	coord        *coordinator.Coordinator
	maxQueueSize int64
}

func NewTaskHandler(coord *coordinator.Coordinator, maxQueueSize int64) *TaskHandler {
	return &TaskHandler{coord: coord, maxQueueSize: maxQueueSize}
}

// CreateTaskRequest is the wire shape of a submit(spec) call.
type CreateTaskRequest struct {
	TaskName       string            `json:"task_name"`
	Args           json.RawMessage   `json:"args,omitempty"`
	Kwargs         json.RawMessage   `json:"kwargs,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	RetryBaseDelay int               `json:"retry_base_delay_seconds,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	CronExpression string            `json:"cron_expression,omitempty"`
	ParentTaskID   *string           `json:"parent_task_id,omitempty"`
	WaitSet        []task.WaitEntry  `json:"wait_set,omitempty"`
	WaitMode       task.WaitMode     `json:"wait_mode,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
}

func (req *CreateTaskRequest) toSpec() (task.Spec, error) {
	spec := task.Spec{
		Name:           req.TaskName,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledAt:    req.ScheduledAt,
		CronExpression: req.CronExpression,
		ParentTaskID:   req.ParentTaskID,
		WaitSet:        req.WaitSet,
		WaitMode:       req.WaitMode,
		CreatedBy:      req.CreatedBy,
	}
	if req.RetryBaseDelay > 0 {
		spec.RetryBaseDelay = time.Duration(req.RetryBaseDelay) * time.Second
	}
	if len(req.Args) > 0 {
		p, err := serializer.EncodeJSON(req.Args)
		if err != nil {
			return spec, err
		}
		spec.Args = p
	}
	if len(req.Kwargs) > 0 {
		p, err := serializer.EncodeJSON(req.Kwargs)
		if err != nil {
			return spec, err
		}
		spec.Kwargs = p
	}
	return spec, nil
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskName == "" {
		respondError(w, http.StatusBadRequest, "task_name is required")
		return
	}

	if h.maxQueueSize > 0 {
		depths, err := h.coord.QueueDepth(r.Context())
		if err == nil {
			var total int64
			for _, d := range depths {
				total += d
			}
			if total >= h.maxQueueSize {
				respondError(w, http.StatusServiceUnavailable, "queue at capacity")
				return
			}
		}
	}

	spec, err := req.toSpec()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid args/kwargs payload")
		return
	}

	id, err := h.coord.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, coordinator.ErrValidation) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error().Err(err).Str("task_name", req.TaskName).Msg("failed to submit task")
		respondError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	t, err := h.coord.Get(r.Context(), id)
	if err != nil {
		respondJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	logger.Info().Str("task_id", t.ID).Str("task_name", t.Name).Int("priority", t.Priority).Msg("task submitted")
	respondJSON(w, http.StatusCreated, t)
}

// Get handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := h.coord.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to get task")
		respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// Cancel handles DELETE /api/v1/tasks/{taskID}.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.coord.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to cancel task")
		respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "message": "cancelled"})
}

// Replay handles POST /api/v1/tasks/{taskID}/replay.
func (h *TaskHandler) Replay(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	newID, err := h.coord.Replay(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(err, coordinator.ErrNotTerminal) {
			respondError(w, http.StatusConflict, "task has not reached a terminal status")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to replay task")
		respondError(w, http.StatusInternalServerError, "failed to replay task")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"task_id": newID})
}

// List handles GET /api/v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{HasAny: true}

	q := r.URL.Query()
	if statusStr := q.Get("status"); statusStr != "" {
		filter.HasAny = false
		filter.Status = task.ParseStatus(statusStr)
	}
	if workerID := q.Get("worker_id"); workerID != "" {
		filter.WorkerID = workerID
	}
	filter.Limit = 50
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if n, err := strconv.Atoi(offsetStr); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	tasks, err := h.coord.List(r.Context(), filter)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks")
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
