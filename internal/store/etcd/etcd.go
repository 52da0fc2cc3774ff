// Package etcd implements the store interfaces on top of etcd v3.
//
// Key schema:
//
//	/workerhub/nodes/<machineId>           JSON node record
//	/workerhub/jobs/<requestId>            JSON job record
//	/workerhub/queue/<seq>-<id>            requestId of a queued job (FIFO index)
//
// Every read-modify-write is a transaction guarded on the record's ModRevision,
// so concurrent claimers cannot both move the same job out of the queue.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	NodeKeyPrefix  = "/workerhub/nodes/"
	JobKeyPrefix   = "/workerhub/jobs/"
	QueueKeyPrefix = "/workerhub/queue/"
)

// maxCASRetries bounds optimistic-concurrency retries on contended records.
const maxCASRetries = 16

var errConflict = errors.New("etcd: concurrent modification")

// Store is an etcd-backed Node Registry and Job Store.
type Store struct {
	client *clientv3.Client

	mu      sync.Mutex
	lastSeq int64
}

var _ store.Store = (*Store)(nil)

// New connects to the given etcd endpoints.
func New(endpoints []string) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Store{client: cli}, nil
}

// Ping issues a cheap count-only read.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}

func nodeKey(machineID string) string { return NodeKeyPrefix + machineID }

func jobKey(id uuid.UUID) string { return JobKeyPrefix + id.String() }

// queueKey sorts lexically in FIFO order.
func queueKey(job *store.Job) string {
	return fmt.Sprintf("%s%020d-%s", QueueKeyPrefix, job.Seq, job.RequestID)
}

// nextSeq returns the creation time in nanoseconds, bumped past the previous
// value so jobs enqueued within the same nanosecond keep their order.
func (s *Store) nextSeq(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := now.UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// ---------------------------------------------------------
// Nodes
// ---------------------------------------------------------

func (s *Store) GetNode(ctx context.Context, machineID string) (*store.Node, error) {
	node, _, err := s.getNode(ctx, machineID)
	return node, err
}

func (s *Store) getNode(ctx context.Context, machineID string) (*store.Node, int64, error) {
	resp, err := s.client.Get(ctx, nodeKey(machineID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get node %s: %w", machineID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, store.ErrNotFound
	}
	var node store.Node
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return nil, 0, fmt.Errorf("failed to decode node %s: %w", machineID, err)
	}
	return &node, resp.Kvs[0].ModRevision, nil
}

// CreateNode only succeeds if the key has never been written.
func (s *Store) CreateNode(ctx context.Context, node *store.Node) error {
	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	key := nodeKey(node.MachineID)

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", node.MachineID, err)
	}
	if !resp.Succeeded {
		return store.ErrNodeExists
	}
	return nil
}

func (s *Store) MarkOnline(ctx context.Context, machineID, ipAddress string, at time.Time) error {
	return s.updateNode(ctx, machineID, func(n *store.Node) {
		n.Status = store.NodeOnline
		n.LastSeen = at
		n.IPAddress = ipAddress
	})
}

func (s *Store) Touch(ctx context.Context, machineID string, at time.Time) error {
	return s.updateNode(ctx, machineID, func(n *store.Node) {
		n.LastSeen = at
	})
}

func (s *Store) MarkOffline(ctx context.Context, machineID string, at time.Time) error {
	return s.updateNode(ctx, machineID, func(n *store.Node) {
		n.Status = store.NodeOffline
		n.LastSeen = at
	})
}

func (s *Store) updateNode(ctx context.Context, machineID string, fn func(*store.Node)) error {
	for i := 0; i < maxCASRetries; i++ {
		node, rev, err := s.getNode(ctx, machineID)
		if err != nil {
			return err
		}
		fn(node)

		val, err := json.Marshal(node)
		if err != nil {
			return err
		}
		key := nodeKey(machineID)
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(val))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to update node %s: %w", machineID, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("update node %s: %w", machineID, errConflict)
}

func (s *Store) ListNodes(ctx context.Context) ([]store.Node, error) {
	resp, err := s.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]store.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node store.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", kv.Key, err)
		}
		nodes = append(nodes, node)
	}
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

	now := time.Now().UTC()
	job := &store.Job{
		RequestID: uuid.New(),
		Seq:       s.nextSeq(now),
		TaskType:  payload.TaskType(),
		Status:    store.JobQueued,
		Payload:   raw,
		Progress:  api.Progress{Total: payload.ItemCount()},
		CreatedAt: now,
	}

	val, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	_, err = s.client.Txn(ctx).
		Then(
			clientv3.OpPut(jobKey(job.RequestID), string(val)),
			clientv3.OpPut(queueKey(job), job.RequestID.String()),
		).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", job.TaskType, err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error) {
	job, _, err := s.getJob(ctx, requestID)
	return job, err
}

func (s *Store) getJob(ctx context.Context, requestID uuid.UUID) (*store.Job, int64, error) {
	resp, err := s.client.Get(ctx, jobKey(requestID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get job %s: %w", requestID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, store.ErrNotFound
	}
	var job store.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, 0, fmt.Errorf("failed to decode job %s: %w", requestID, err)
	}
	return &job, resp.Kvs[0].ModRevision, nil
}

// NextQueued reads the head of the FIFO index.
func (s *Store) NextQueued(ctx context.Context) (*store.Job, error) {
	resp, err := s.client.Get(ctx, QueueKeyPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(1),
	)
	if err != nil {
		return nil, fmt.Errorf("next queued query failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}

	id, err := uuid.Parse(string(resp.Kvs[0].Value))
	if err != nil {
		return nil, fmt.Errorf("corrupt queue entry %s: %w", resp.Kvs[0].Key, err)
	}
	return s.GetJob(ctx, id)
}

// MarkProcessing removes the queue entry and rewrites the job in one transaction,
// guarded on both the job revision and the queue entry still existing.
func (s *Store) MarkProcessing(ctx context.Context, requestID uuid.UUID, workerName, machineID string) error {
	job, rev, err := s.getJob(ctx, requestID)
	if err != nil {
		return err
	}
	if job.Status != store.JobQueued {
		return store.ErrAlreadyClaimed
	}

	qKey := queueKey(job)
	job.Status = store.JobProcessing
	job.WorkerName = workerName
	job.WorkerMachineID = machineID

	val, err := json.Marshal(job)
	if err != nil {
		return err
	}

	key := jobKey(requestID)
	resp, err := s.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.ModRevision(key), "=", rev),
			clientv3.Compare(clientv3.CreateRevision(qKey), ">", 0),
		).
		Then(
			clientv3.OpPut(key, string(val)),
			clientv3.OpDelete(qKey),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", requestID, err)
	}
	if !resp.Succeeded {
		return store.ErrAlreadyClaimed
	}
	return nil
}

// ClaimNext retries NextQueued + MarkProcessing until it wins a job or the queue is empty.
func (s *Store) ClaimNext(ctx context.Context, workerName, machineID string) (*store.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := s.NextQueued(ctx)
		if err != nil {
			return nil, err
		}

		err = s.MarkProcessing(ctx, job.RequestID, workerName, machineID)
		if errors.Is(err, store.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Status = store.JobProcessing
		job.WorkerName = workerName
		job.WorkerMachineID = machineID
		return job, nil
	}
}

func (s *Store) RecordProgress(ctx context.Context, requestID uuid.UUID, progress api.Progress) error {
	for i := 0; i < maxCASRetries; i++ {
		job, rev, err := s.getJob(ctx, requestID)
		if err != nil {
			return err
		}
		if !store.CanTransition(job.Status, store.JobProcessing) {
			return store.ErrInvalidTransition
		}

		ops := []clientv3.Op{}
		if job.Status == store.JobQueued {
			ops = append(ops, clientv3.OpDelete(queueKey(job)))
		}
		job.Status = store.JobProcessing
		job.Progress = progress

		val, err := json.Marshal(job)
		if err != nil {
			return err
		}
		key := jobKey(requestID)
		ops = append(ops, clientv3.OpPut(key, string(val)))

		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(ops...).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to record progress for %s: %w", requestID, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("record progress %s: %w", requestID, errConflict)
}

// Complete writes the terminal job state and the node counter in a single transaction.
func (s *Store) Complete(ctx context.Context, requestID uuid.UUID, result json.RawMessage, success bool) error {
	for i := 0; i < maxCASRetries; i++ {
		job, jobRev, err := s.getJob(ctx, requestID)
		if err != nil {
			return err
		}
		if job.Status != store.JobProcessing {
			return store.ErrInvalidTransition
		}

		now := time.Now().UTC()
		job.Status = store.JobFailed
		if success {
			job.Status = store.JobCompleted
		}
		job.Result = result
		job.CompletedAt = &now

		jobVal, err := json.Marshal(job)
		if err != nil {
			return err
		}
		key := jobKey(requestID)
		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", jobRev)}
		ops := []clientv3.Op{clientv3.OpPut(key, string(jobVal))}

		if job.WorkerMachineID != "" {
			node, nodeRev, err := s.getNode(ctx, job.WorkerMachineID)
			switch {
			case err == nil:
				if success {
					node.TotalSuccess++
				} else {
					node.TotalFailed++
				}
				nodeVal, err := json.Marshal(node)
				if err != nil {
					return err
				}
				nKey := nodeKey(job.WorkerMachineID)
				cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(nKey), "=", nodeRev))
				ops = append(ops, clientv3.OpPut(nKey, string(nodeVal)))
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return fmt.Errorf("failed to complete job %s: %w", requestID, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("complete %s: %w", requestID, errConflict)
}

// JobStats scans every job record. Acceptable for the dashboard's refresh rate.
func (s *Store) JobStats(ctx context.Context, since time.Time) (*store.JobStats, error) {
	resp, err := s.client.Get(ctx, JobKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}

	stats := store.NewJobStats()
	for _, kv := range resp.Kvs {
		var job store.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", strings.TrimPrefix(string(kv.Key), JobKeyPrefix), err)
		}
		stats.ByStatus[job.Status]++
		stats.ByTaskType[job.TaskType]++
		if !job.CreatedAt.Before(since) {
			stats.WindowByStatus[job.Status]++
		}
	}
	return stats, nil
}
