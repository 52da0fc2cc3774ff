// Package memory implements the store interfaces in process memory.
// It backs development runs without a database and the coordinator tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
)

// Store is a mutex-guarded in-memory Node Registry and Job Store.
type Store struct {
	mu    sync.Mutex
	nodes map[string]*store.Node
	jobs  map[uuid.UUID]*store.Job
	seq   int64
	now   func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes: make(map[string]*store.Node),
		jobs:  make(map[uuid.UUID]*store.Job),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// ---------------------------------------------------------
// Nodes
// ---------------------------------------------------------

func (s *Store) GetNode(ctx context.Context, machineID string) (*store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[machineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) CreateNode(ctx context.Context, node *store.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.MachineID]; ok {
		return store.ErrNodeExists
	}
	cp := *node
	s.nodes[node.MachineID] = &cp
	return nil
}

func (s *Store) MarkOnline(ctx context.Context, machineID, ipAddress string, at time.Time) error {
	return s.updateNode(machineID, func(n *store.Node) {
		n.Status = store.NodeOnline
		n.LastSeen = at
		n.IPAddress = ipAddress
	})
}

func (s *Store) Touch(ctx context.Context, machineID string, at time.Time) error {
	return s.updateNode(machineID, func(n *store.Node) {
		n.LastSeen = at
	})
}

func (s *Store) MarkOffline(ctx context.Context, machineID string, at time.Time) error {
	return s.updateNode(machineID, func(n *store.Node) {
		n.Status = store.NodeOffline
		n.LastSeen = at
	})
}

func (s *Store) updateNode(machineID string, fn func(*store.Node)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[machineID]
	if !ok {
		return store.ErrNotFound
	}
	fn(n)
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]store.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].MachineID < nodes[j].MachineID })
	return nodes, nil
}

// ---------------------------------------------------------
// Jobs
// ---------------------------------------------------------

func (s *Store) Enqueue(ctx context.Context, payload api.Payload) (*store.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	job := &store.Job{
		RequestID: uuid.New(),
		Seq:       s.seq,
		TaskType:  payload.TaskType(),
		Status:    store.JobQueued,
		Payload:   raw,
		Progress:  api.Progress{Total: payload.ItemCount()},
		CreatedAt: s.now(),
	}
	s.jobs[job.RequestID] = job

	cp := *job
	return &cp, nil
}

func (s *Store) GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Store) NextQueued(ctx context.Context) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.oldestQueued()
	if job == nil {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// oldestQueued must be called with s.mu held.
func (s *Store) oldestQueued() *store.Job {
	var oldest *store.Job
	for _, job := range s.jobs {
		if job.Status != store.JobQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.Seq < oldest.Seq) {
			oldest = job
		}
	}
	return oldest
}

func (s *Store) MarkProcessing(ctx context.Context, requestID uuid.UUID, workerName, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != store.JobQueued {
		return store.ErrAlreadyClaimed
	}
	job.Status = store.JobProcessing
	job.WorkerName = workerName
	job.WorkerMachineID = machineID
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, workerName, machineID string) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.oldestQueued()
	if job == nil {
		return nil, store.ErrNotFound
	}
	job.Status = store.JobProcessing
	job.WorkerName = workerName
	job.WorkerMachineID = machineID

	cp := *job
	return &cp, nil
}

func (s *Store) RecordProgress(ctx context.Context, requestID uuid.UUID, progress api.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(job.Status, store.JobProcessing) {
		return store.ErrInvalidTransition
	}
	job.Status = store.JobProcessing
	job.Progress = progress
	return nil
}

func (s *Store) Complete(ctx context.Context, requestID uuid.UUID, result json.RawMessage, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return store.ErrNotFound
	}

	to := store.JobFailed
	if success {
		to = store.JobCompleted
	}
	if job.Status != store.JobProcessing || !store.CanTransition(job.Status, to) {
		return store.ErrInvalidTransition
	}

	now := s.now()
	job.Status = to
	job.Result = result
	job.CompletedAt = &now

	if n, ok := s.nodes[job.WorkerMachineID]; ok {
		if success {
			n.TotalSuccess++
		} else {
			n.TotalFailed++
		}
	}
	return nil
}

func (s *Store) JobStats(ctx context.Context, since time.Time) (*store.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.NewJobStats()
	for _, job := range s.jobs {
		stats.ByStatus[job.Status]++
		stats.ByTaskType[job.TaskType]++
		if !job.CreatedAt.Before(since) {
			stats.WindowByStatus[job.Status]++
		}
	}
	return stats, nil
}
