package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"workerhub/pkg/api"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a node or job does not exist, and by
	// NextQueued/ClaimNext when the queue is empty.
	ErrNotFound = errors.New("not found")

	// ErrNodeExists is returned by CreateNode when the machine id is already claimed.
	ErrNodeExists = errors.New("node already exists")

	// ErrAlreadyClaimed is returned by MarkProcessing when the job is no longer queued.
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrInvalidTransition is returned when an update would move a job backwards
	// or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// NodeStore is the Node Registry.
type NodeStore interface {
	// GetNode returns the node with the given machine id or ErrNotFound.
	GetNode(ctx context.Context, machineID string) (*Node, error)

	// CreateNode inserts a new node. It returns ErrNodeExists if the id is taken.
	CreateNode(ctx context.Context, node *Node) error

	// MarkOnline sets status=online, lastSeen and ipAddress.
	MarkOnline(ctx context.Context, machineID, ipAddress string, at time.Time) error

	// Touch sets lastSeen.
	Touch(ctx context.Context, machineID string, at time.Time) error

	// MarkOffline sets status=offline.
	MarkOffline(ctx context.Context, machineID string, at time.Time) error

	// ListNodes returns every node ordered by machine id.
	ListNodes(ctx context.Context) ([]Node, error)
}

// JobStore is the durable job queue.
type JobStore interface {
	// Enqueue inserts a queued job. progress.total is seeded from the payload's item count.
	Enqueue(ctx context.Context, payload api.Payload) (*Job, error)

	// GetJob returns a job by request id or ErrNotFound.
	GetJob(ctx context.Context, requestID uuid.UUID) (*Job, error)

	// NextQueued returns the queued job with the earliest createdAt (ties by Seq),
	// or ErrNotFound. It is a point-in-time read; use ClaimNext to take a job.
	NextQueued(ctx context.Context) (*Job, error)

	// MarkProcessing moves a queued job to processing and binds it to a worker.
	// It returns ErrAlreadyClaimed if the job is no longer queued.
	MarkProcessing(ctx context.Context, requestID uuid.UUID, workerName, machineID string) error

	// ClaimNext atomically takes the oldest queued job for the given worker.
	// At most one caller can ever claim a given job. Returns ErrNotFound when empty.
	ClaimNext(ctx context.Context, workerName, machineID string) (*Job, error)

	// RecordProgress overwrites the progress snapshot and keeps status=processing.
	RecordProgress(ctx context.Context, requestID uuid.UUID, progress api.Progress) error

	// Complete moves a processing job to completed (success) or failed, sets completedAt
	// and increments the bound node's totalSuccess or totalFailed by one.
	Complete(ctx context.Context, requestID uuid.UUID, result json.RawMessage, success bool) error

	// JobStats aggregates counts; the window covers jobs created at or after since.
	JobStats(ctx context.Context, since time.Time) (*JobStats, error)
}

// Store combines everything the coordinator needs from a backend.
type Store interface {
	NodeStore
	JobStore
	Ping(ctx context.Context) error
	Close() error
}
