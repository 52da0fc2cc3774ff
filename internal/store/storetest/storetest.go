// Package storetest checks that a store.Store backend honours the queue and
// registry contract. Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
)

// Factory returns an empty store. It is called once per case.
type Factory func(t *testing.T) store.Store

// Run executes every contract case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnqueueSeedsProgressTotal", testEnqueueSeedsProgressTotal},
		{"NextQueuedIsFIFO", testNextQueuedIsFIFO},
		{"SecondClaimLoses", testSecondClaimLoses},
		{"ConcurrentClaimsNeverShareAJob", testConcurrentClaimsNeverShareAJob},
		{"CompleteCountsOncePerJob", testCompleteCountsOncePerJob},
		{"StatusNeverRegresses", testStatusNeverRegresses},
		{"RecordProgressLastWriteWins", testRecordProgressLastWriteWins},
		{"NodeLifecycle", testNodeLifecycle},
		{"JobStatsCountsEveryJob", testJobStatsCountsEveryJob},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

func meterPayload(n int) api.MeterPostPayload {
	p := api.MeterPostPayload{Account: api.Account{UserID: "u1", Password: "secret"}}
	for i := 0; i < n; i++ {
		p.Meters = append(p.Meters, api.MeterEntry{MeterNo: uuid.NewString()})
	}
	return p
}

func enqueue(t *testing.T, s store.Store, payload api.Payload) *store.Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func claim(t *testing.T, s store.Store, id uuid.UUID, worker string) {
	t.Helper()
	if err := s.MarkProcessing(context.Background(), id, worker, worker); err != nil {
		t.Fatalf("MarkProcessing(%s) failed: %v", id, err)
	}
}

func testEnqueueSeedsProgressTotal(t *testing.T, s store.Store) {
	job := enqueue(t, s, meterPayload(3))
	if job.Status != store.JobQueued {
		t.Errorf("got status %s, want queued", job.Status)
	}
	if job.Progress.Total != 3 {
		t.Errorf("got progress.total %d, want 3", job.Progress.Total)
	}

	job = enqueue(t, s, api.LoginCheckPayload{Account: api.Account{UserID: "u", Password: "p"}})
	if job.Progress.Total != 0 {
		t.Errorf("got progress.total %d for payload without items, want 0", job.Progress.Total)
	}

	got, err := s.GetJob(context.Background(), job.RequestID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.TaskType != api.TaskLoginCheck || got.Status != store.JobQueued {
		t.Errorf("stored job differs: %+v", got)
	}
}

func testNextQueuedIsFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		want = append(want, enqueue(t, s, meterPayload(1)).RequestID)
	}

	for i, id := range want {
		next, err := s.NextQueued(ctx)
		if err != nil {
			t.Fatalf("NextQueued failed: %v", err)
		}
		if next.RequestID != id {
			t.Fatalf("position %d: got %s, want %s", i, next.RequestID, id)
		}
		claim(t, s, next.RequestID, "w")
	}

	if _, err := s.NextQueued(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty queue, got %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w", "m"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound claiming from empty queue, got %v", err)
	}
}

func testSecondClaimLoses(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := enqueue(t, s, meterPayload(1))

	claim(t, s, job.RequestID, "w1")
	if err := s.MarkProcessing(ctx, job.RequestID, "w2", "w2"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	got, _ := s.GetJob(ctx, job.RequestID)
	if got.WorkerName != "w1" || got.WorkerMachineID != "w1" {
		t.Errorf("got worker %s/%s, want w1", got.WorkerName, got.WorkerMachineID)
	}
	if _, err := s.NextQueued(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("claimed job still queued: %v", err)
	}
}

func testConcurrentClaimsNeverShareAJob(t *testing.T, s store.Store) {
	ctx := context.Background()

	const jobs = 30
	for i := 0; i < jobs; i++ {
		enqueue(t, s, meterPayload(1))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, "w", "m")
				if errors.Is(err, store.ErrNotFound) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNext failed: %v", err)
					return
				}
				if job.Status != store.JobProcessing {
					t.Errorf("claimed job %s has status %s", job.RequestID, job.Status)
				}
				mu.Lock()
				claimed[job.RequestID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func testCompleteCountsOncePerJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateNode(ctx, &store.Node{MachineID: "m1", SecretKey: "k", Name: "m1"}); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}

	ok := enqueue(t, s, meterPayload(5))
	bad := enqueue(t, s, meterPayload(5))
	claim(t, s, ok.RequestID, "m1")
	claim(t, s, bad.RequestID, "m1")

	if err := s.Complete(ctx, ok.RequestID, json.RawMessage(`{"count":5}`), true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := s.Complete(ctx, bad.RequestID, json.RawMessage(`{"failed":2}`), false); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	// A repeated report must not move the counters again.
	if err := s.Complete(ctx, ok.RequestID, json.RawMessage(`{"count":5}`), true); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on repeated completion, got %v", err)
	}

	node, err := s.GetNode(ctx, "m1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.TotalSuccess != 1 || node.TotalFailed != 1 {
		t.Errorf("got success=%d failed=%d, want 1/1", node.TotalSuccess, node.TotalFailed)
	}

	got, _ := s.GetJob(ctx, ok.RequestID)
	if got.Status != store.JobCompleted || got.CompletedAt == nil {
		t.Errorf("got status %s completedAt %v", got.Status, got.CompletedAt)
	}
	if string(got.Result) != `{"count":5}` {
		t.Errorf("got result %s", got.Result)
	}
	got, _ = s.GetJob(ctx, bad.RequestID)
	if got.Status != store.JobFailed {
		t.Errorf("got status %s, want failed", got.Status)
	}
}

func testStatusNeverRegresses(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := enqueue(t, s, meterPayload(1))

	if err := s.Complete(ctx, job.RequestID, nil, true); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing a queued job, got %v", err)
	}

	claim(t, s, job.RequestID, "w")
	if err := s.Complete(ctx, job.RequestID, nil, true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if err := s.RecordProgress(ctx, job.RequestID, api.Progress{Current: 1}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition recording progress on terminal job, got %v", err)
	}
	if err := s.Complete(ctx, job.RequestID, nil, false); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition completing twice, got %v", err)
	}
	if err := s.MarkProcessing(ctx, job.RequestID, "w", "m"); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed re-claiming terminal job, got %v", err)
	}

	got, _ := s.GetJob(ctx, job.RequestID)
	if got.Status != store.JobCompleted {
		t.Errorf("status regressed to %s", got.Status)
	}
}

func testRecordProgressLastWriteWins(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := enqueue(t, s, meterPayload(3))
	claim(t, s, job.RequestID, "w")

	if err := s.RecordProgress(ctx, job.RequestID, api.Progress{Current: 2, Total: 3, LastItem: "b"}); err != nil {
		t.Fatalf("RecordProgress failed: %v", err)
	}
	if err := s.RecordProgress(ctx, job.RequestID, api.Progress{Current: 1, Total: 3}); err != nil {
		t.Fatalf("RecordProgress failed: %v", err)
	}

	got, _ := s.GetJob(ctx, job.RequestID)
	if got.Progress != (api.Progress{Current: 1, Total: 3}) {
		t.Errorf("got progress %+v", got.Progress)
	}
	if got.Status != store.JobProcessing {
		t.Errorf("got status %s, want processing", got.Status)
	}

	if err := s.RecordProgress(ctx, uuid.New(), api.Progress{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown job, got %v", err)
	}
}

func testNodeLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetNode(ctx, "pc-02"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, id := range []string{"pc-02", "pc-01"} {
		if err := s.CreateNode(ctx, &store.Node{MachineID: id, SecretKey: "k", Name: id, Status: store.NodeOffline}); err != nil {
			t.Fatalf("CreateNode(%s) failed: %v", id, err)
		}
	}
	if err := s.CreateNode(ctx, &store.Node{MachineID: "pc-01", SecretKey: "other"}); !errors.Is(err, store.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.MarkOnline(ctx, "pc-01", "10.0.0.5", now); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}
	n, _ := s.GetNode(ctx, "pc-01")
	if n.Status != store.NodeOnline || n.IPAddress != "10.0.0.5" || !n.LastSeen.Equal(now) {
		t.Errorf("unexpected node after MarkOnline: %+v", n)
	}

	later := now.Add(time.Minute)
	if err := s.Touch(ctx, "pc-01", later); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := s.MarkOffline(ctx, "pc-01", later); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}
	n, _ = s.GetNode(ctx, "pc-01")
	if n.Status != store.NodeOffline || !n.LastSeen.Equal(later) {
		t.Errorf("unexpected node after MarkOffline: %+v", n)
	}
	if n.SecretKey != "k" {
		t.Errorf("secret changed to %q", n.SecretKey)
	}

	if err := s.Touch(ctx, "pc-99", later); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound touching unknown node, got %v", err)
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 2 || nodes[0].MachineID != "pc-01" || nodes[1].MachineID != "pc-02" {
		t.Errorf("ListNodes not ordered by machine id: %+v", nodes)
	}
}

func testJobStatsCountsEveryJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	done := enqueue(t, s, meterPayload(1))
	enqueue(t, s, api.LoginCheckPayload{Account: api.Account{UserID: "u", Password: "p"}})
	claim(t, s, done.RequestID, "w")
	if err := s.Complete(ctx, done.RequestID, nil, true); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	stats, err := s.JobStats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if stats.ByStatus[store.JobQueued] != 1 || stats.ByStatus[store.JobCompleted] != 1 {
		t.Errorf("unexpected status counts: %v", stats.ByStatus)
	}
	if stats.WindowByStatus[store.JobQueued] != 1 || stats.WindowByStatus[store.JobCompleted] != 1 {
		t.Errorf("unexpected window counts: %v", stats.WindowByStatus)
	}
	if stats.ByTaskType[api.TaskMeterPost] != 1 || stats.ByTaskType[api.TaskLoginCheck] != 1 {
		t.Errorf("unexpected per-type counts: %v", stats.ByTaskType)
	}
}
