package handlers

import (
	"context"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mock task service
type mockTasks struct {
	enqueueErr  error
	getJobResp  *store.Job
	getJobErr   error
	callResp    api.TaskReport
	callErr     error
	callBlock   time.Duration
	enqueued    []api.Payload
	calledWith  api.Payload
	requestedID uuid.UUID
}

func (m *mockTasks) Enqueue(ctx context.Context, payload api.Payload) (*store.Job, error) {
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	m.enqueued = append(m.enqueued, payload)
	return &store.Job{
		RequestID: uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		TaskType:  payload.TaskType(),
		Status:    store.JobQueued,
	}, nil
}

func (m *mockTasks) GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error) {
	m.requestedID = requestID
	if m.getJobErr != nil {
		return nil, m.getJobErr
	}
	return m.getJobResp, nil
}

func (m *mockTasks) Call(ctx context.Context, payload api.Payload) (api.TaskReport, error) {
	m.calledWith = payload
	return m.callResp, m.callErr
}

// Mock reporter
type mockReporter struct {
	stats    *api.StatsResponse
	statsErr error
	nodes    []api.NodeResponse
	nodesErr error
}

func (m *mockReporter) Dashboard(ctx context.Context) (*api.StatsResponse, error) {
	return m.stats, m.statsErr
}

func (m *mockReporter) Nodes(ctx context.Context) ([]api.NodeResponse, error) {
	return m.nodes, m.nodesErr
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

func newTestHandlers(tasks *mockTasks, rep *mockReporter, rpc bool) *Handlers {
	if tasks == nil {
		tasks = &mockTasks{}
	}
	if rep == nil {
		rep = &mockReporter{}
	}
	return New(tasks, rep, mockPinger{}, rpc, zap.NewNop())
}
