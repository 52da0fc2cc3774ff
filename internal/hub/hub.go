// Package hub coordinates live worker connections: the connection registry,
// the dispatcher that pushes queued jobs to idle workers, liveness handling
// on heartbeat and disconnect, and the synchronous round-robin call mode.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"workerhub/internal/auth"
	"workerhub/internal/logic"
	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the persistence the hub needs.
type Store interface {
	store.NodeStore
	store.JobStore
}

// Options tune the hub. Zero values fall back to the defaults below.
type Options struct {
	// FailOrphanedJobs completes a job as failed when its worker disconnects mid-task.
	FailOrphanedJobs bool
	RPCTimeout       time.Duration
	SendBuffer       int
	PongWait         time.Duration
	MaxMessageSize   int64
}

const (
	defaultRPCTimeout     = 10 * time.Minute
	defaultSendBuffer     = 16
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
)

func (o Options) withDefaults() Options {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = defaultRPCTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// orphanResult is recorded on jobs whose worker disconnected before reporting.
var orphanResult = json.RawMessage(`{"error":"worker lost"}`)

// Hub owns the connection registry and drives dispatch.
type Hub struct {
	store    Store
	gate     *auth.Gate
	logic    *logic.Source
	registry *Registry
	opts     Options
	logger   *zap.Logger
	metrics  *hubMetrics
	tracer   trace.Tracer
	now      func() time.Time
	encode   func(api.MessageType, interface{}) ([]byte, error)
	machines *machineLocks

	observersMu sync.Mutex
	observers   map[string]Sender

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingCall
	inflight  atomic.Int64

	// enqueued is bumped after every successful Enqueue.
	enqueued atomic.Uint64
}

// New creates a hub. A nil logic source disables check_version pushes.
func New(st Store, gate *auth.Gate, src *logic.Source, opts Options, logger *zap.Logger) (*Hub, error) {
	m, err := newHubMetrics()
	if err != nil {
		return nil, err
	}
	if src == nil {
		src = &logic.Source{}
	}

	return &Hub{
		store:     st,
		gate:      gate,
		logic:     src,
		registry:  NewRegistry(),
		opts:      opts.withDefaults(),
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
		encode:    api.Encode,
		machines:  newMachineLocks(),
		observers: make(map[string]Sender),
		pending:   make(map[uuid.UUID]*pendingCall),
	}, nil
}

// Registry exposes the live connection view for reporting.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ActiveWorkers returns the number of registered worker connections.
func (h *Hub) ActiveWorkers() int {
	return h.registry.Count()
}

// Enqueue creates a queued job and immediately offers it to idle workers.
// Dispatch failures are logged; the job stays queued and the caller still gets its id.
func (h *Hub) Enqueue(ctx context.Context, payload api.Payload) (*store.Job, error) {
	job, err := h.store.Enqueue(ctx, payload)
	if err != nil {
		return nil, err
	}

	h.logger.Info("job queued",
		zap.String("request_id", job.RequestID.String()),
		zap.String("task_type", string(job.TaskType)),
		zap.Int("items", job.Progress.Total),
	)

	h.enqueued.Add(1)
	h.DispatchAny(ctx)
	return job, nil
}

// ConnectedMachines returns the machine ids with a live worker connection.
func (h *Hub) ConnectedMachines() map[string]bool {
	return h.registry.ConnectedMachines()
}

// GetJob returns a job by request id.
func (h *Hub) GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error) {
	return h.store.GetJob(ctx, requestID)
}

// ---------------------------------------------------------
// Worker events. Each is called from the connection's own read loop,
// so events for a given connection are handled in arrival order.
// ---------------------------------------------------------

// HandleRegister inserts the connection as idle, marks its node online and
// tries to hand it a job.
func (h *Hub) HandleRegister(ctx context.Context, c *Conn, msg api.RegisterMessage) error {
	name := msg.DeviceID
	if name == "" {
		name = c.node.Name
	}

	log := h.logger.With(zap.String("connection_id", c.id), zap.String("machine_id", c.node.MachineID))

	unlock := h.machines.lock(c.node.MachineID)
	if err := h.registry.Add(c.id, c.node.MachineID, name, c); err != nil {
		unlock()
		return err
	}
	if err := h.store.MarkOnline(ctx, c.node.MachineID, c.remoteAddr, h.now().UTC()); err != nil {
		log.Error("failed to mark node online", zap.Error(err))
	}
	unlock()
	h.metrics.connected.Add(ctx, 1)

	frame, err := api.Encode(api.MsgRegistered, &api.RegisteredMessage{ConnectionID: c.id, Name: name})
	if err != nil {
		return err
	}
	if err := c.Send(frame); err != nil {
		return err
	}

	log.Info("worker registered", zap.String("name", name), zap.Int("active", h.registry.Count()))
	h.broadcastWorkers()

	if _, err := h.TryDispatch(ctx, c.id); err != nil {
		log.Error("dispatch after register failed", zap.Error(err))
	}
	return nil
}

// HandleHeartbeat refreshes the connection and persists the node's lastSeen.
// A report the store refused earlier is written again here.
func (h *Hub) HandleHeartbeat(ctx context.Context, connectionID string) error {
	entry, ok := h.registry.Heartbeat(connectionID)
	if !ok {
		return errNotRegistered
	}
	err := h.store.Touch(ctx, entry.MachineID, h.now().UTC())
	if entry.unsaved != nil {
		err = errors.Join(err, h.finish(ctx, connectionID, entry.CurrentJob, entry.unsaved))
	}
	return err
}

// HandleProgress overwrites the job's progress snapshot.
func (h *Hub) HandleProgress(ctx context.Context, connectionID string, msg api.TaskProgressMessage) error {
	id, err := uuid.Parse(msg.RequestID)
	if err != nil {
		return fmt.Errorf("bad request id %q: %w", msg.RequestID, err)
	}
	if h.isPendingCall(connectionID, id) {
		return nil
	}

	entry, ok := h.registry.Lookup(connectionID)
	if !ok {
		return errNotRegistered
	}
	if entry.CurrentJob != id {
		return fmt.Errorf("progress for job %s not bound to this connection", id)
	}

	return h.store.RecordProgress(ctx, id, msg.Progress)
}

// HandleCompleted finishes the job, returns the connection to idle and
// offers it the next queued job.
func (h *Hub) HandleCompleted(ctx context.Context, connectionID string, msg api.TaskCompletedMessage) error {
	id, err := uuid.Parse(msg.RequestID)
	if err != nil {
		return fmt.Errorf("bad request id %q: %w", msg.RequestID, err)
	}
	if h.resolvePendingCall(connectionID, id, msg.Result) {
		return nil
	}

	entry, ok := h.registry.Lookup(connectionID)
	if !ok {
		return errNotRegistered
	}
	if entry.CurrentJob != id {
		return fmt.Errorf("completion for job %s not bound to this connection", id)
	}

	result, err := json.Marshal(msg.Result)
	if err != nil {
		return err
	}
	return h.finish(ctx, connectionID, id, &unsavedReport{result: result, success: msg.Result.Succeeded()})
}

// finish records a report for the job bound to the connection. When the store
// write fails the connection keeps the job and the report, stays busy and is
// not offered new work; the write is retried on its next heartbeat, or on
// disconnect.
func (h *Hub) finish(ctx context.Context, connectionID string, id uuid.UUID, report *unsavedReport) error {
	log := h.logger.With(
		zap.String("connection_id", connectionID),
		zap.String("request_id", id.String()),
	)

	err := h.store.Complete(ctx, id, report.result, report.success)
	switch {
	case err == nil:
		outcome := string(store.JobCompleted)
		if !report.success {
			outcome = string(store.JobFailed)
		}
		h.metrics.jobCompleted(ctx, outcome)
		log.Info("job finished", zap.String("status", outcome))
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("late completion ignored", zap.Error(err))
	default:
		h.registry.holdReport(connectionID, id, report)
		h.metrics.jobCompleted(ctx, "unsaved")
		log.Error("failed to record completion; holding worker until it is saved", zap.Error(err))
		return fmt.Errorf("record completion of %s: %w", id, err)
	}

	h.registry.Release(connectionID, id)

	if _, err := h.TryDispatch(ctx, connectionID); err != nil {
		log.Error("dispatch after completion failed", zap.Error(err))
	}
	return nil
}

// HandleCheckVersion pushes the executor artifact if the worker's hash is stale.
func (h *Hub) HandleCheckVersion(c *Conn, msg api.CheckVersionMessage) error {
	// The file may have been replaced on disk since the last check.
	if changed, err := h.logic.Refresh(); err != nil {
		h.logger.Warn("logic file refresh failed; serving the loaded version", zap.Error(err))
	} else if changed {
		artifact, _ := h.logic.Current()
		h.logger.Info("logic file reloaded", zap.String("hash", artifact.Hash))
	}

	var (
		frame []byte
		err   error
	)
	if artifact, push := h.logic.Check(msg.Hash); push {
		h.logger.Info("pushing logic update",
			zap.String("connection_id", c.id),
			zap.String("worker_hash", msg.Hash),
			zap.String("hash", artifact.Hash),
		)
		frame, err = api.Encode(api.MsgUpdateLogic, &api.UpdateLogicMessage{Hash: artifact.Hash, Content: artifact.Content})
	} else {
		frame, err = api.Encode(api.MsgLogicUpToDate, &api.LogicUpToDateMessage{})
	}
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Disconnect removes the connection and marks its node offline. A job still
// bound to the connection is failed when FailOrphanedJobs is set, and left
// processing otherwise.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	if h.removeObserver(connectionID) {
		return
	}

	entry, ok := h.registry.Remove(connectionID)
	if !ok {
		return
	}
	h.metrics.connected.Add(ctx, -1)

	log := h.logger.With(zap.String("connection_id", connectionID), zap.String("machine_id", entry.MachineID))

	// A reconnect may already have registered a fresh connection for the
	// machine. The machine lock keeps that registration's online write from
	// landing between this check and the offline write.
	unlock := h.machines.lock(entry.MachineID)
	if !h.registry.ConnectedMachines()[entry.MachineID] {
		if err := h.store.MarkOffline(ctx, entry.MachineID, h.now().UTC()); err != nil {
			log.Error("failed to mark node offline", zap.Error(err))
		}
	}
	unlock()

	switch {
	case entry.unsaved != nil:
		h.saveLostReport(ctx, entry.CurrentJob, entry.unsaved, log)
	case entry.CurrentJob != uuid.Nil:
		h.orphan(ctx, entry.CurrentJob, log)
	}

	log.Info("worker disconnected", zap.Int("active", h.registry.Count()))
	h.broadcastWorkers()
}

func (h *Hub) orphan(ctx context.Context, jobID uuid.UUID, log *zap.Logger) {
	log = log.With(zap.String("request_id", jobID.String()))
	if !h.opts.FailOrphanedJobs {
		log.Warn("job left processing after worker loss")
		return
	}

	err := h.store.Complete(ctx, jobID, orphanResult, false)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		log.Error("failed to fail orphaned job", zap.Error(err))
		return
	}
	h.metrics.jobCompleted(ctx, "worker_lost")
	log.Warn("orphaned job marked failed")
}

// saveLostReport makes a last attempt to record a report the worker did deliver.
func (h *Hub) saveLostReport(ctx context.Context, jobID uuid.UUID, report *unsavedReport, log *zap.Logger) {
	log = log.With(zap.String("request_id", jobID.String()))
	err := h.store.Complete(ctx, jobID, report.result, report.success)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		log.Error("worker report lost", zap.Error(err))
		return
	}
	log.Info("held report saved on disconnect")
}

// ---------------------------------------------------------
// Observers
// ---------------------------------------------------------

func (h *Hub) addObserver(id string, s Sender) {
	h.observersMu.Lock()
	h.observers[id] = s
	h.observersMu.Unlock()

	frame, err := api.Encode(api.MsgWorkerUpdate, &api.WorkerUpdateMessage{Active: h.registry.Count()})
	if err == nil {
		_ = s.Send(frame)
	}
}

func (h *Hub) removeObserver(id string) bool {
	h.observersMu.Lock()
	defer h.observersMu.Unlock()

	if _, ok := h.observers[id]; !ok {
		return false
	}
	delete(h.observers, id)
	return true
}

// broadcastWorkers tells every observer how many workers are registered.
func (h *Hub) broadcastWorkers() {
	frame, err := api.Encode(api.MsgWorkerUpdate, &api.WorkerUpdateMessage{Active: h.registry.Count()})
	if err != nil {
		h.logger.Error("encode worker update", zap.Error(err))
		return
	}

	h.observersMu.Lock()
	defer h.observersMu.Unlock()
	for id, s := range h.observers {
		if err := s.Send(frame); err != nil {
			h.logger.Debug("observer send failed", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

var errNotRegistered = errors.New("connection has not registered")
