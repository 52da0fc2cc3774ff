package hub

import "sync"

// machineLocks serializes node status writes per machine id, so the
// "is another connection live" check and the write that follows it are one step.
type machineLocks struct {
	mu    sync.Mutex
	locks map[string]*machineLock
}

type machineLock struct {
	mu   sync.Mutex
	refs int
}

func newMachineLocks() *machineLocks {
	return &machineLocks{locks: make(map[string]*machineLock)}
}

// lock blocks until machineID is free and returns the unlock function.
func (m *machineLocks) lock(machineID string) func() {
	m.mu.Lock()
	l, ok := m.locks[machineID]
	if !ok {
		l = &machineLock{}
		m.locks[machineID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, machineID)
		}
		m.mu.Unlock()
	}
}
