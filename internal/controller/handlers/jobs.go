package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"workerhub/internal/hub"
	"workerhub/internal/logger"
	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxSubmitBody caps task submissions; meter lists can be long but not unbounded.
const maxSubmitBody = 4 << 20

// SubmitTask handles POST /api/tasks.
// In queue mode the job is persisted and 202 is returned with its tracking id.
// In rpc mode the request blocks until a worker returns a report.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, h.logger)

	var req api.SubmitTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := api.DecodePayload(req.TaskType, req.Payload)
	if err != nil {
		h.httpErrorDetails(w, "Invalid task", http.StatusBadRequest, err)
		return
	}

	if h.rpcMode {
		report, err := h.tasks.Call(ctx, payload)
		switch {
		case err == nil:
			h.respondJson(w, http.StatusOK, report)
		case errors.Is(err, hub.ErrNoWorkers):
			h.httpError(w, "No active workers available", http.StatusServiceUnavailable)
		case errors.Is(err, hub.ErrWorkerTimeout):
			h.httpError(w, "Worker Timeout", http.StatusGatewayTimeout)
		default:
			log.Error("rpc call failed", zap.String("task_type", string(req.TaskType)), zap.Error(err))
			h.httpError(w, "Failed to run task", http.StatusInternalServerError)
		}
		return
	}

	job, err := h.tasks.Enqueue(ctx, payload)
	if err != nil {
		log.Error("failed to enqueue task", zap.String("task_type", string(req.TaskType)), zap.Error(err))
		h.httpError(w, "Failed to queue task", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.SubmitTaskResponse{
		Status:     string(store.JobQueued),
		TrackingID: job.RequestID.String(),
	})
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	job, err := h.tasks.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to load task", zap.String("request_id", id.String()), zap.Error(err))
		h.httpError(w, "Failed to load task", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, jobResponse(job))
}
