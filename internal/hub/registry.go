package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the in-memory availability of a live connection.
type WorkerStatus string

const (
	StatusIdle WorkerStatus = "idle"
	StatusBusy WorkerStatus = "busy"
)

// ErrConnectionExists is returned by Registry.Add for a connection id that is already registered.
var ErrConnectionExists = errors.New("connection already registered")

// Sender delivers an encoded frame to a connection without blocking.
type Sender interface {
	Send(frame []byte) error
}

// Entry is the registry's view of one live worker connection.
type Entry struct {
	ConnectionID  string
	MachineID     string
	DisplayName   string
	Status        WorkerStatus
	LastHeartbeat time.Time
	// CurrentJob is uuid.Nil while idle, and while busy between reservation and bind.
	CurrentJob uuid.UUID

	// unsaved is a report for CurrentJob that the store refused to record.
	unsaved *unsavedReport
	sender  Sender
	order   uint64
}

type unsavedReport struct {
	result  json.RawMessage
	success bool
}

// HasUnsavedReport reports whether the entry holds a completion waiting to be persisted.
func (e Entry) HasUnsavedReport() bool { return e.unsaved != nil }

// Registry maps connection ids to live worker entries. All mutations go
// through its mutex, so a status flip and the check that precedes it are one step.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextOrd uint64
	rrIndex int
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Add inserts an idle entry.
func (r *Registry) Add(connectionID, machineID, displayName string, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connectionID]; ok {
		return ErrConnectionExists
	}
	r.nextOrd++
	r.entries[connectionID] = &Entry{
		ConnectionID:  connectionID,
		MachineID:     machineID,
		DisplayName:   displayName,
		Status:        StatusIdle,
		LastHeartbeat: r.now(),
		sender:        sender,
		order:         r.nextOrd,
	}
	return nil
}

// Remove deletes the entry and returns its final state.
func (r *Registry) Remove(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, connectionID)
	return *e, true
}

// Lookup returns a copy of the entry.
func (r *Registry) Lookup(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Heartbeat refreshes LastHeartbeat.
func (r *Registry) Heartbeat(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok {
		return Entry{}, false
	}
	e.LastHeartbeat = r.now()
	return *e, true
}

// TryReserve flips an idle entry to busy. It fails if the entry is missing or already busy.
func (r *Registry) TryReserve(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok || e.Status != StatusIdle {
		return Entry{}, false
	}
	e.Status = StatusBusy
	e.CurrentJob = uuid.Nil
	return *e, true
}

// Bind attaches a claimed job to a reserved entry. It returns false if the
// connection went away after the reservation.
func (r *Registry) Bind(connectionID string, jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok || e.Status != StatusBusy || e.CurrentJob != uuid.Nil {
		return false
	}
	e.CurrentJob = jobID
	return true
}

// Release returns the entry to idle if it is still bound to jobID.
func (r *Registry) Release(connectionID string, jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok || e.CurrentJob != jobID {
		return false
	}
	e.Status = StatusIdle
	e.CurrentJob = uuid.Nil
	e.unsaved = nil
	return true
}

// holdReport keeps the worker's report for the bound job until it can be written.
// The entry stays busy meanwhile.
func (r *Registry) holdReport(connectionID string, jobID uuid.UUID, report *unsavedReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connectionID]
	if !ok || e.CurrentJob != jobID {
		return false
	}
	e.unsaved = report
	return true
}

// MarkIdle drops a reservation that never got a job.
func (r *Registry) MarkIdle(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[connectionID]; ok && e.CurrentJob == uuid.Nil {
		e.Status = StatusIdle
	}
}

// IdleIDs lists idle connections in registration order.
func (r *Registry) IdleIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Status == StatusIdle {
			idle = append(idle, e)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].order < idle[j].order })

	ids := make([]string, len(idle))
	for i, e := range idle {
		ids[i] = e.ConnectionID
	}
	return ids
}

// NextRoundRobin picks the next entry in registration order, cycling across calls.
func (r *Registry) NextRoundRobin() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return Entry{}, false
	}
	all := r.sortedLocked()
	e := all[r.rrIndex%len(all)]
	r.rrIndex = (r.rrIndex + 1) % len(all)
	return *e, true
}

// Snapshot returns copies of all entries in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.sortedLocked()
	out := make([]Entry, len(all))
	for i, e := range all {
		out[i] = *e
	}
	return out
}

// Count returns the number of live worker connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ConnectedMachines returns the set of machine ids with at least one live connection.
func (r *Registry) ConnectedMachines() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.entries))
	for _, e := range r.entries {
		out[e.MachineID] = true
	}
	return out
}

func (r *Registry) sortedLocked() []*Entry {
	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	return all
}
