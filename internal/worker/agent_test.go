package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"workerhub/internal/auth"
	"workerhub/internal/hub"
	"workerhub/internal/logic"
	"workerhub/internal/store"
	"workerhub/internal/store/memory"
	"workerhub/internal/worker/runtime"
	"workerhub/pkg/api"

	"go.uber.org/zap"
)

// fakeRuntime reports progress once per item and returns a canned report.
type fakeRuntime struct {
	mu     sync.Mutex
	ran    []runtime.Task
	report api.TaskReport
	err    error
}

func (f *fakeRuntime) Run(ctx context.Context, task runtime.Task, progress runtime.ProgressFunc) (api.TaskReport, error) {
	f.mu.Lock()
	f.ran = append(f.ran, task)
	f.mu.Unlock()

	progress(api.Progress{Current: 1, Total: 1, LastItem: "M-1"})
	return f.report, f.err
}

func (f *fakeRuntime) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ran)
}

type coordinator struct {
	hub *hub.Hub
	mem *memory.Store
	url string

	mu    sync.Mutex
	conns []net.Conn
}

// hijackRecorder lets the test cut worker sockets from the coordinator side.
type hijackRecorder struct {
	http.ResponseWriter
	c *coordinator
}

func (w hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		w.c.mu.Lock()
		w.c.conns = append(w.c.conns, conn)
		w.c.mu.Unlock()
	}
	return conn, rw, err
}

func (c *coordinator) dropAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	n := len(c.conns)
	c.conns = nil
	return n
}

func newCoordinator(t *testing.T, src *logic.Source) *coordinator {
	t.Helper()
	mem := memory.New()
	h, err := hub.New(mem, auth.NewGate(mem, false, zap.NewNop()), src, hub.Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c := &coordinator{hub: h, mem: mem}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(hijackRecorder{ResponseWriter: w, c: c}, r)
	}))
	t.Cleanup(srv.Close)
	c.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return c
}

func startAgent(t *testing.T, rt runtime.Runtime, cfg Config) (*Agent, context.CancelFunc, chan error) {
	t.Helper()
	a, err := New(rt, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return a, cancel, errCh
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAgent_RunsPushedTask(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, nil)
	rt := &fakeRuntime{report: api.TaskReport{Count: 1}}

	job, err := c.hub.Enqueue(ctx, api.MeterPostPayload{
		Account: api.Account{UserID: "u", Password: "p"},
		Meters:  []api.MeterEntry{{MeterNo: "M-1"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	startAgent(t, rt, Config{URL: c.url, MachineID: "pc-1", SecretKey: "k", Name: "PC-1"})

	waitFor(t, func() bool {
		j, _ := c.mem.GetJob(ctx, job.RequestID)
		return j.Status == store.JobCompleted
	})

	j, _ := c.mem.GetJob(ctx, job.RequestID)
	if j.WorkerName != "PC-1" {
		t.Errorf("got worker %q, want PC-1", j.WorkerName)
	}
	if j.Progress.Current != 1 {
		t.Errorf("progress was not relayed: %+v", j.Progress)
	}
	node, _ := c.mem.GetNode(ctx, "pc-1")
	if node.TotalSuccess != 1 {
		t.Errorf("got totalSuccess %d, want 1", node.TotalSuccess)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.ran) != 1 || rt.ran[0].TaskType != api.TaskMeterPost {
		t.Errorf("runtime got %+v", rt.ran)
	}
}

func TestAgent_RuntimeErrorBecomesFailedReport(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, nil)
	rt := &fakeRuntime{err: errors.New("executor crashed")}

	startAgent(t, rt, Config{URL: c.url, MachineID: "pc-2", SecretKey: "k"})
	waitFor(t, func() bool { return c.hub.ActiveWorkers() == 1 })

	job, err := c.hub.Enqueue(ctx, api.LoginCheckPayload{Account: api.Account{UserID: "u", Password: "p"}})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		j, _ := c.mem.GetJob(ctx, job.RequestID)
		return j.Status == store.JobFailed
	})
	j, _ := c.mem.GetJob(ctx, job.RequestID)
	if !strings.Contains(string(j.Result), "executor crashed") {
		t.Errorf("unexpected result %s", j.Result)
	}
}

func TestAgent_StopsOnAuthRejection(t *testing.T) {
	c := newCoordinator(t, nil)
	if err := c.mem.CreateNode(context.Background(), &store.Node{MachineID: "pc-3", SecretKey: "right", Name: "pc-3"}); err != nil {
		t.Fatal(err)
	}

	_, _, errCh := startAgent(t, &fakeRuntime{}, Config{URL: c.url, MachineID: "pc-3", SecretKey: "wrong"})

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("got %v, want ErrAuthRejected", err)
		}
		if !strings.Contains(err.Error(), "wrong secret") {
			t.Errorf("reason missing from %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent kept retrying a rejected credential")
	}
}

func TestAgent_ReceivesLogicUpdate(t *testing.T) {
	dir := t.TempDir()
	serverLogic := filepath.Join(dir, "server.js")
	if err := os.WriteFile(serverLogic, []byte("module.exports = 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := logic.Load(serverLogic)
	if err != nil {
		t.Fatal(err)
	}
	c := newCoordinator(t, src)

	workerLogic := filepath.Join(dir, "worker", "logic.js")
	a, _, _ := startAgent(t, &fakeRuntime{}, Config{URL: c.url, MachineID: "pc-4", SecretKey: "k", LogicPath: workerLogic})

	want, _ := src.Current()
	waitFor(t, func() bool { return a.LogicHash() == want.Hash })

	got, err := os.ReadFile(workerLogic)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "module.exports = 2" {
		t.Errorf("got logic %q", got)
	}
}

func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	c := newCoordinator(t, nil)
	startAgent(t, &fakeRuntime{}, Config{
		URL:              c.url,
		MachineID:        "pc-5",
		SecretKey:        "k",
		ReconnectBackoff: 10 * time.Millisecond,
	})
	waitFor(t, func() bool { return c.hub.ActiveWorkers() == 1 })

	if n := c.dropAll(); n != 1 {
		t.Fatalf("expected 1 live socket, got %d", n)
	}
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.conns) == 1
	})
	waitFor(t, func() bool {
		node, _ := c.mem.GetNode(context.Background(), "pc-5")
		return c.hub.ActiveWorkers() == 1 && node.Status == store.NodeOnline
	})
}

func TestApplyLogic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logic.js")
	a, err := New(&fakeRuntime{}, Config{LogicPath: path}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if a.LogicHash() != "" {
		t.Fatal("missing logic file should report an empty hash")
	}

	content := []byte("v1")
	if err := a.applyLogic(api.UpdateLogicMessage{Hash: "bogus", Content: content}); err == nil {
		t.Error("expected hash mismatch error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected update must not touch the file")
	}

	if err := a.applyLogic(api.UpdateLogicMessage{Hash: logic.HashContent(content), Content: content}); err != nil {
		t.Fatalf("applyLogic failed: %v", err)
	}
	if a.LogicHash() != logic.HashContent(content) {
		t.Error("hash not updated")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		cur, max, want time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{20 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.cur, tt.max); got != tt.want {
			t.Errorf("nextBackoff(%v, %v) = %v, want %v", tt.cur, tt.max, got, tt.want)
		}
	}
}
