package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// unsendableResult is recorded on a claimed job whose task frame could not be built.
var unsendableResult = json.RawMessage(`{"error":"task could not be encoded"}`)

type dispatchOutcome int

const (
	outcomeDispatched dispatchOutcome = iota
	outcomeNotIdle
	outcomeQueueEmpty
	outcomeLost
)

// TryDispatch offers one queued job to the connection if it is idle.
// It reports whether a job was pushed.
func (h *Hub) TryDispatch(ctx context.Context, connectionID string) (bool, error) {
	outcome, err := h.dispatch(ctx, connectionID)
	return outcome == outcomeDispatched, err
}

// DispatchAny walks the idle connections in registration order until the queue runs dry.
func (h *Hub) DispatchAny(ctx context.Context) int {
	dispatched := 0
	for _, id := range h.registry.IdleIDs() {
		outcome, err := h.dispatch(ctx, id)
		if err != nil {
			h.logger.Error("dispatch failed", zap.String("connection_id", id), zap.Error(err))
			continue
		}
		if outcome == outcomeQueueEmpty {
			break
		}
		if outcome == outcomeDispatched {
			dispatched++
		}
	}
	return dispatched
}

// dispatch reserves the connection, claims the oldest queued job for it and
// pushes execute_task. The reservation happens under the registry lock, and the
// claim is a conditional update in the store, so a job is never bound twice.
func (h *Hub) dispatch(ctx context.Context, connectionID string) (dispatchOutcome, error) {
	for {
		epoch := h.enqueued.Load()
		outcome, err := h.dispatchOnce(ctx, connectionID)
		if outcome != outcomeQueueEmpty || err != nil {
			return outcome, err
		}
		// The connection is idle again. If a job was enqueued while it was
		// reserved, that enqueue's DispatchAny may have skipped it.
		if h.enqueued.Load() == epoch {
			return outcomeQueueEmpty, nil
		}
	}
}

func (h *Hub) dispatchOnce(ctx context.Context, connectionID string) (dispatchOutcome, error) {
	entry, ok := h.registry.TryReserve(connectionID)
	if !ok {
		return outcomeNotIdle, nil
	}

	ctx, span := h.tracer.Start(ctx, "hub.dispatch", trace.WithAttributes(
		attribute.String("connection.id", connectionID),
		attribute.String("worker.machine_id", entry.MachineID),
	))
	defer span.End()

	job, err := h.store.ClaimNext(ctx, entry.DisplayName, entry.MachineID)
	if errors.Is(err, store.ErrNotFound) {
		h.registry.MarkIdle(connectionID)
		return outcomeQueueEmpty, nil
	}
	if err != nil {
		h.registry.MarkIdle(connectionID)
		span.RecordError(err)
		return outcomeNotIdle, err
	}
	span.SetAttributes(attribute.String("job.request_id", job.RequestID.String()))

	log := h.logger.With(
		zap.String("connection_id", connectionID),
		zap.String("request_id", job.RequestID.String()),
	)

	frame, err := h.encode(api.MsgExecuteTask, &api.ExecuteTaskMessage{
		RequestID: job.RequestID.String(),
		TaskType:  job.TaskType,
		Payload:   job.Payload,
	})
	if err != nil {
		// The job is claimed but can never be pushed.
		span.RecordError(err)
		h.registry.MarkIdle(connectionID)
		if cerr := h.store.Complete(ctx, job.RequestID, unsendableResult, false); cerr != nil {
			log.Error("failed to fail unsendable job", zap.Error(cerr))
		}
		return outcomeLost, fmt.Errorf("encode task %s: %w", job.RequestID, err)
	}

	if !h.registry.Bind(connectionID, job.RequestID) {
		// The connection dropped between reservation and claim; Disconnect saw no job.
		h.orphan(ctx, job.RequestID, log)
		return outcomeLost, nil
	}

	// A failed send means the connection is going away; its Disconnect
	// will find the bound job.
	if err := entry.sender.Send(frame); err != nil {
		span.RecordError(err)
		return outcomeLost, err
	}

	h.metrics.dispatched.Add(ctx, 1)
	log.Info("job dispatched", zap.String("worker", entry.DisplayName), zap.String("task_type", string(job.TaskType)))
	return outcomeDispatched, nil
}
