// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskService accepts work from producers. The hub implements it.
type TaskService interface {
	Enqueue(ctx context.Context, payload api.Payload) (*store.Job, error)
	GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error)
	Call(ctx context.Context, payload api.Payload) (api.TaskReport, error)
}

// Reporter serves the read-only dashboards.
type Reporter interface {
	Dashboard(ctx context.Context) (*api.StatsResponse, error)
	Nodes(ctx context.Context) ([]api.NodeResponse, error)
}

// Pinger checks the backing store for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	tasks    TaskService
	reporter Reporter
	pinger   Pinger
	rpcMode  bool
	logger   *zap.Logger
}

// New creates a Handlers instance. With rpcMode set, SubmitTask blocks until
// a worker answers instead of queueing.
func New(tasks TaskService, reporter Reporter, pinger Pinger, rpcMode bool, logger *zap.Logger) *Handlers {
	return &Handlers{
		tasks:    tasks,
		reporter: reporter,
		pinger:   pinger,
		rpcMode:  rpcMode,
		logger:   logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) httpErrorDetails(w http.ResponseWriter, message string, code int, err error) {
	h.respondJson(w, code, api.ErrorResponse{
		Error:   message,
		Code:    strconv.Itoa(code),
		Details: err.Error(),
	})
}

func jobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		RequestID:   j.RequestID.String(),
		TaskType:    j.TaskType,
		Status:      string(j.Status),
		WorkerName:  j.WorkerName,
		Payload:     j.Payload,
		Progress:    j.Progress,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}
