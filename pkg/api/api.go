// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller and the worker agent.
package api

import (
	"encoding/json"
	"time"
)

// SubmitTaskRequest is the request body for submitting a task.
type SubmitTaskRequest struct {
	TaskType TaskType        `json:"taskType"`
	Payload  json.RawMessage `json:"payload"`
}

// SubmitTaskResponse is returned when a task was accepted into the queue.
type SubmitTaskResponse struct {
	Status     string `json:"status"`
	TrackingID string `json:"trackingId"`
}

// JobResponse is the full job record returned by status queries.
type JobResponse struct {
	RequestID   string          `json:"requestId"`
	TaskType    TaskType        `json:"taskType"`
	Status      string          `json:"status"`
	WorkerName  string          `json:"workerName,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Progress    Progress        `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// StatusCounts holds job counts keyed by job status.
type StatusCounts struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the sum of all counts.
func (c StatusCounts) Total() int64 {
	return c.Queued + c.Processing + c.Completed + c.Failed
}

// NodeResponse represents a worker node in API responses.
type NodeResponse struct {
	MachineID    string    `json:"machineId"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Connected    bool      `json:"connected"`
	LastSeen     time.Time `json:"lastSeen"`
	IPAddress    string    `json:"ipAddress"`
	TotalSuccess int64     `json:"totalSuccess"`
	TotalFailed  int64     `json:"totalFailed"`
}

// StatsResponse is the dashboard aggregate.
type StatsResponse struct {
	ActiveWorkers int                `json:"activeWorkers"`
	Pending       int64              `json:"pending"`
	Lifetime      StatusCounts       `json:"lifetime"`
	Today         StatusCounts       `json:"today"`
	ByTaskType    map[TaskType]int64 `json:"byTaskType"`
	Nodes         []NodeResponse     `json:"nodes"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
