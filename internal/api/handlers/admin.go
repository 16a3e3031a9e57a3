package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/taskqueue/core/internal/coordinator"
	"github.com/taskqueue/core/internal/logger"
	"github.com/taskqueue/core/internal/registry"
	"github.com/taskqueue/core/internal/task"
)

// AdminHandler serves the worker_admin, DLQ, scheduled-list, and
// queue-visibility parts of the admin surface (spec §6).
type AdminHandler struct {
	coord *coordinator.Coordinator
}

func NewAdminHandler(coord *coordinator.Coordinator) *AdminHandler {
	return &AdminHandler{coord: coord}
}

// ListWorkers handles GET /admin/workers.
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.coord.Workers(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list workers")
		respondError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /admin/workers/{workerID}.
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	wk, err := h.coord.GetWorker(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to get worker")
		respondError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	respondJSON(w, http.StatusOK, wk)
}

// workerAdmin issues one worker_admin(worker_id, op) call and renders the
// result; shared by Pause/Resume/Drain/DeregisterWorker below.
func (h *AdminHandler) workerAdmin(w http.ResponseWriter, r *http.Request, op coordinator.WorkerAdminOp) {
	workerID := chi.URLParam(r, "workerID")
	if err := h.coord.WorkerAdmin(r.Context(), workerID, op); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		logger.Error().Err(err).Str("worker_id", workerID).Str("op", string(op)).Msg("worker_admin failed")
		respondError(w, http.StatusInternalServerError, "worker_admin failed")
		return
	}
	logger.Info().Str("worker_id", workerID).Str("op", string(op)).Msg("worker_admin applied")
	respondJSON(w, http.StatusOK, map[string]string{"worker_id": workerID, "op": string(op)})
}

func (h *AdminHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	h.workerAdmin(w, r, coordinator.WorkerOpPause)
}

func (h *AdminHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	h.workerAdmin(w, r, coordinator.WorkerOpResume)
}

func (h *AdminHandler) DrainWorker(w http.ResponseWriter, r *http.Request) {
	h.workerAdmin(w, r, coordinator.WorkerOpDrain)
}

func (h *AdminHandler) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	h.workerAdmin(w, r, coordinator.WorkerOpDeregister)
}

// GetQueues handles GET /admin/queues.
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := h.coord.QueueDepth(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to get queue depths")
		respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
		return
	}

	var total int64
	queueStats := make(map[string]int64, len(depths))
	for priority, depth := range depths {
		queueStats[strconv.Itoa(priority)] = depth
		total += depth
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queues":      queueStats,
		"total_depth": total,
	})
}

// ScheduledList handles GET /admin/scheduled.
func (h *AdminHandler) ScheduledList(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.coord.ScheduledList(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list scheduled tasks")
		respondError(w, http.StatusInternalServerError, "failed to list scheduled tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// ListDLQ handles GET /admin/dlq.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.coord.DLQList(r.Context(), 100)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list DLQ")
		respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// RetryDLQRequest is the body of POST /admin/dlq/retry.
type RetryDLQRequest struct {
	TaskID string `json:"task_id"`
}

// RetryDLQ handles POST /admin/dlq/retry.
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	var req RetryDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		respondError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	t, err := h.coord.DLQRequeue(r.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task not found in DLQ")
			return
		}
		logger.Error().Err(err).Str("task_id", req.TaskID).Msg("failed to retry DLQ task")
		respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	logger.Info().Str("task_id", req.TaskID).Msg("task retried from DLQ")
	respondJSON(w, http.StatusOK, t)
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.coord.QueueDepth(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
