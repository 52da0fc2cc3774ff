package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"workerhub/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrNoWorkers is returned by Call when no worker is connected.
	ErrNoWorkers = errors.New("no active workers available")
	// ErrWorkerTimeout is returned by Call when the worker did not answer in time.
	ErrWorkerTimeout = errors.New("worker timeout")
)

type pendingCall struct {
	connectionID string
	result       chan api.TaskReport
}

// Call runs a task synchronously on a round-robin worker without creating a
// job record. The worker's state in the registry is not touched, and a reply
// arriving after the timeout is dropped.
func (h *Hub) Call(ctx context.Context, payload api.Payload) (api.TaskReport, error) {
	entry, ok := h.registry.NextRoundRobin()
	if !ok {
		h.metrics.rpcCall(ctx, "no_workers")
		return api.TaskReport{}, ErrNoWorkers
	}

	id := uuid.New()
	ctx, span := h.tracer.Start(ctx, "hub.call", trace.WithAttributes(
		attribute.String("connection.id", entry.ConnectionID),
		attribute.String("call.request_id", id.String()),
	))
	defer span.End()

	raw, err := json.Marshal(payload)
	if err != nil {
		return api.TaskReport{}, err
	}
	frame, err := api.Encode(api.MsgExecuteTask, &api.ExecuteTaskMessage{
		RequestID: id.String(),
		TaskType:  payload.TaskType(),
		Payload:   raw,
	})
	if err != nil {
		return api.TaskReport{}, err
	}

	call := &pendingCall{connectionID: entry.ConnectionID, result: make(chan api.TaskReport, 1)}
	h.pendingMu.Lock()
	h.pending[id] = call
	h.pendingMu.Unlock()
	h.inflight.Add(1)

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
		h.inflight.Add(-1)
	}()

	if err := entry.sender.Send(frame); err != nil {
		span.RecordError(err)
		return api.TaskReport{}, err
	}

	log := h.logger.With(zap.String("request_id", id.String()), zap.String("connection_id", entry.ConnectionID))
	log.Info("task sent", zap.String("task_type", string(payload.TaskType())))

	timer := time.NewTimer(h.opts.RPCTimeout)
	defer timer.Stop()

	select {
	case report := <-call.result:
		h.metrics.rpcCall(ctx, "ok")
		return report, nil
	case <-timer.C:
		h.metrics.rpcCall(ctx, "timeout")
		log.Warn("worker timeout", zap.Duration("timeout", h.opts.RPCTimeout))
		return api.TaskReport{}, ErrWorkerTimeout
	case <-ctx.Done():
		return api.TaskReport{}, ctx.Err()
	}
}

// InflightCalls is the number of Call invocations waiting on a worker.
func (h *Hub) InflightCalls() int64 {
	return h.inflight.Load()
}

// isPendingCall reports whether id is a call sent to connectionID.
func (h *Hub) isPendingCall(connectionID string, id uuid.UUID) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	call, ok := h.pending[id]
	return ok && call.connectionID == connectionID
}

// resolvePendingCall hands the report to the waiting Call. Only the
// connection the call was sent to can resolve it.
func (h *Hub) resolvePendingCall(connectionID string, id uuid.UUID, report api.TaskReport) bool {
	h.pendingMu.Lock()
	call, ok := h.pending[id]
	h.pendingMu.Unlock()
	if !ok || call.connectionID != connectionID {
		return false
	}

	select {
	case call.result <- report:
	default:
	}
	return true
}
