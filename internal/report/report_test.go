package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"workerhub/internal/store"
	"workerhub/internal/store/memory"
	"workerhub/pkg/api"
)

type fakeLive struct {
	active    int
	inflight  int64
	connected map[string]bool
}

func (f fakeLive) ActiveWorkers() int                 { return f.active }
func (f fakeLive) InflightCalls() int64               { return f.inflight }
func (f fakeLive) ConnectedMachines() map[string]bool { return f.connected }

type brokenStore struct{ Store }

func (brokenStore) JobStats(ctx context.Context, since time.Time) (*store.JobStats, error) {
	return nil, errors.New("connection refused")
}

func TestDayStart(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	in := time.Date(2026, 5, 2, 1, 30, 0, 0, loc) // 2026-05-01 22:30 UTC
	want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := DayStart(in); !got.Equal(want) {
		t.Errorf("DayStart(%v) = %v, want %v", in, got, want)
	}
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	yesterday := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	today := yesterday.Add(24 * time.Hour)

	mem.SetClock(func() time.Time { return yesterday })
	old, _ := mem.Enqueue(ctx, api.LoginCheckPayload{})
	_ = mem.CreateNode(ctx, &store.Node{MachineID: "pc-1", Name: "pc-1", Status: store.NodeOnline})
	_ = mem.MarkProcessing(ctx, old.RequestID, "pc-1", "pc-1")
	_ = mem.Complete(ctx, old.RequestID, nil, true)

	mem.SetClock(func() time.Time { return today })
	_, _ = mem.Enqueue(ctx, api.MeterPostPayload{Meters: []api.MeterEntry{{MeterNo: "1"}}})
	_, _ = mem.Enqueue(ctx, api.LoginCheckPayload{})
	_ = mem.CreateNode(ctx, &store.Node{MachineID: "pc-2", Name: "pc-2", Status: store.NodeOffline})

	r := New(mem, fakeLive{active: 1, inflight: 2, connected: map[string]bool{"pc-1": true}})
	r.now = func() time.Time { return today }

	stats, err := r.Dashboard(ctx)
	if err != nil {
		t.Fatalf("Dashboard failed: %v", err)
	}

	if stats.Lifetime.Completed != 1 || stats.Lifetime.Queued != 2 || stats.Lifetime.Total() != 3 {
		t.Errorf("unexpected lifetime counts: %+v", stats.Lifetime)
	}
	if stats.Today.Queued != 2 || stats.Today.Completed != 0 {
		t.Errorf("unexpected today counts: %+v", stats.Today)
	}
	if stats.Pending != 4 {
		t.Errorf("got pending %d, want 4 (2 queued + 2 inflight)", stats.Pending)
	}
	if stats.ByTaskType[api.TaskLoginCheck] != 2 || stats.ByTaskType[api.TaskMeterPost] != 1 {
		t.Errorf("unexpected task type counts: %v", stats.ByTaskType)
	}
	if stats.ActiveWorkers != 1 {
		t.Errorf("got %d active workers, want 1", stats.ActiveWorkers)
	}

	if len(stats.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(stats.Nodes))
	}
	if !stats.Nodes[0].Connected || stats.Nodes[0].TotalSuccess != 1 {
		t.Errorf("unexpected pc-1: %+v", stats.Nodes[0])
	}
	if stats.Nodes[1].Connected || stats.Nodes[1].Status != "offline" {
		t.Errorf("unexpected pc-2: %+v", stats.Nodes[1])
	}

	depth, err := r.QueueDepth(ctx)
	if err != nil || depth != 2 {
		t.Errorf("QueueDepth = %d, %v; want 2", depth, err)
	}
}

func TestDashboard_StoreError(t *testing.T) {
	r := New(brokenStore{}, fakeLive{})
	if _, err := r.Dashboard(context.Background()); err == nil {
		t.Error("expected error")
	}
}
