// Package runtime provides the executor backends a worker runs tasks with.
//
// Every backend speaks the same line protocol: the task is handed to the
// executor as a JSON document, and the executor writes JSON lines to stdout.
// A {"progress": {...}} line relays progress, and the final {"result": {...}}
// line is the task report.
package runtime

import (
	"context"
	"encoding/json"

	"workerhub/pkg/api"
)

// Task is one unit of work handed to an executor.
type Task struct {
	RequestID string          `json:"requestId"`
	TaskType  api.TaskType    `json:"taskType"`
	Payload   json.RawMessage `json:"payload"`
}

// ProgressFunc receives progress snapshots while a task runs.
type ProgressFunc func(api.Progress)

// Runtime executes tasks.
// Implementations include raw process execution and Docker containers.
type Runtime interface {
	// Run executes the task and blocks until it returns a report.
	// A non-nil error means the executor could not run or produced no report.
	Run(ctx context.Context, task Task, progress ProgressFunc) (api.TaskReport, error)
}

// Environment variables passed to every executor.
const (
	EnvRequestID = "WORKERHUB_REQUEST_ID"
	EnvTaskType  = "WORKERHUB_TASK_TYPE"
	EnvLogicPath = "WORKERHUB_LOGIC_PATH"
	// EnvTask carries the whole task document for executors without stdin.
	EnvTask = "WORKERHUB_TASK"
)
