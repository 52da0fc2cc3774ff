// Package store contains the persistence layer for workerhub: the Node Registry
// and the Job Store.
package store

import (
	"encoding/json"
	"time"

	"workerhub/pkg/api"

	"github.com/google/uuid"
)

// NodeStatus is the persisted liveness state of a worker node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Node is the durable identity of a worker machine.
// MachineID is unique; a node is created on first contact and never deleted.
type Node struct {
	MachineID    string
	SecretKey    string
	Name         string
	Status       NodeStatus
	LastSeen     time.Time
	IPAddress    string
	TotalSuccess int64
	TotalFailed  int64
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether from -> to is allowed by the job state machine:
// queued -> processing -> {completed, failed}. processing -> processing is
// allowed so progress updates stay idempotent.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobProcessing
	case JobProcessing:
		return to == JobProcessing || to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

// Job is a durable, trackable unit of dispatched work.
type Job struct {
	RequestID uuid.UUID
	// Seq breaks FIFO ties between jobs created at the same instant.
	Seq      int64
	TaskType api.TaskType
	Status   JobStatus
	// WorkerName is the display name of the worker the job was dispatched to.
	WorkerName string
	// WorkerMachineID identifies the node whose counters move on completion.
	WorkerMachineID string
	Payload         json.RawMessage
	Progress        api.Progress
	Result          json.RawMessage
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// JobStats holds aggregate job counts.
type JobStats struct {
	ByStatus       map[JobStatus]int64
	WindowByStatus map[JobStatus]int64
	ByTaskType     map[api.TaskType]int64
}

// NewJobStats returns a JobStats with initialized maps.
func NewJobStats() *JobStats {
	return &JobStats{
		ByStatus:       make(map[JobStatus]int64),
		WindowByStatus: make(map[JobStatus]int64),
		ByTaskType:     make(map[api.TaskType]int64),
	}
}
