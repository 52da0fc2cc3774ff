// Package report builds read-only aggregates over the job store, the node
// registry and the live connection view.
package report

import (
	"context"
	"fmt"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"
)

// Store is the read side the reporter needs.
type Store interface {
	ListNodes(ctx context.Context) ([]store.Node, error)
	JobStats(ctx context.Context, since time.Time) (*store.JobStats, error)
}

// Live reports the in-memory side of the coordinator.
type Live interface {
	ActiveWorkers() int
	InflightCalls() int64
	ConnectedMachines() map[string]bool
}

type Reporter struct {
	store Store
	live  Live
	now   func() time.Time
}

func New(st Store, live Live) *Reporter {
	return &Reporter{store: st, live: live, now: time.Now}
}

// DayStart returns midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Dashboard returns counts by status (lifetime and for the current UTC day),
// per task type counts, the live worker count and per-node counters.
func (r *Reporter) Dashboard(ctx context.Context) (*api.StatsResponse, error) {
	stats, err := r.store.JobStats(ctx, DayStart(r.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to load job stats: %w", err)
	}

	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	lifetime := countsOf(stats.ByStatus)
	byType := make(map[api.TaskType]int64, len(stats.ByTaskType))
	for k, v := range stats.ByTaskType {
		byType[k] = v
	}

	return &api.StatsResponse{
		ActiveWorkers: r.live.ActiveWorkers(),
		Pending:       lifetime.Queued + lifetime.Processing + r.live.InflightCalls(),
		Lifetime:      lifetime,
		Today:         countsOf(stats.WindowByStatus),
		ByTaskType:    byType,
		Nodes:         nodes,
	}, nil
}

// QueueDepth is the number of queued jobs.
func (r *Reporter) QueueDepth(ctx context.Context) (int64, error) {
	stats, err := r.store.JobStats(ctx, r.now())
	if err != nil {
		return 0, err
	}
	return stats.ByStatus[store.JobQueued], nil
}

// Nodes lists every known node, flagging the ones with a live connection.
func (r *Reporter) Nodes(ctx context.Context) ([]api.NodeResponse, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	connected := r.live.ConnectedMachines()
	out := make([]api.NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, api.NodeResponse{
			MachineID:    n.MachineID,
			Name:         n.Name,
			Status:       string(n.Status),
			Connected:    connected[n.MachineID],
			LastSeen:     n.LastSeen,
			IPAddress:    n.IPAddress,
			TotalSuccess: n.TotalSuccess,
			TotalFailed:  n.TotalFailed,
		})
	}
	return out, nil
}

func countsOf(m map[store.JobStatus]int64) api.StatusCounts {
	return api.StatusCounts{
		Queued:     m[store.JobQueued],
		Processing: m[store.JobProcessing],
		Completed:  m[store.JobCompleted],
		Failed:     m[store.JobFailed],
	}
}
