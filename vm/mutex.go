package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Monitor: per-object reentrant lock
// ---------------------------------------------------------------------------

// MutexID identifies a monitor. It is what an object header's lock word holds
// once a monitor has been assigned.
type MutexID int32

// UnassignedMutex is the lock word value of an object that has never been
// synchronized on.
const UnassignedMutex MutexID = -1

// Monitor is a reentrant mutex owned by at most one thread at a time.
type Monitor struct {
	id     MutexID
	mu     sync.Mutex
	cond   *sync.Cond
	owner  int64
	count  int
	locked atomic.Bool // Track if locked (for debugging and inspection)
}

func newMonitor(id MutexID) *Monitor {
	m := &Monitor{id: id}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// ID returns the monitor id.
func (m *Monitor) ID() MutexID { return m.id }

// Enter acquires the monitor for thread, blocking while another thread owns it.
func (m *Monitor) Enter(thread int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.count > 0 && m.owner != thread {
		m.cond.Wait()
	}
	m.owner = thread
	m.count++
	m.locked.Store(true)
}

// TryEnter acquires the monitor without blocking.
func (m *Monitor) TryEnter(thread int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count > 0 && m.owner != thread {
		return false
	}
	m.owner = thread
	m.count++
	m.locked.Store(true)
	return true
}

// Exit releases one level of ownership. Exiting a monitor the thread does not
// own is a contract fault.
func (m *Monitor) Exit(thread int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 || m.owner != thread {
		memory.Raise(memory.FaultContract, "monitor exit", 0, "thread %d does not own monitor %d", thread, m.id)
	}
	m.count--
	if m.count == 0 {
		m.owner = 0
		m.locked.Store(false)
		m.cond.Signal()
	}
}

// IsLocked reports whether any thread owns the monitor.
func (m *Monitor) IsLocked() bool {
	return m.locked.Load()
}

// ---------------------------------------------------------------------------
// MonitorTable: the synchronizer
// ---------------------------------------------------------------------------

// MonitorTable issues monitor ids and resolves them.
type MonitorTable struct {
	mu       sync.RWMutex
	monitors map[MutexID]*Monitor
	nextID   atomic.Int32
}

// NewMonitorTable creates an empty table. Ids start at 1.
func NewMonitorTable() *MonitorTable {
	return &MonitorTable{monitors: make(map[MutexID]*Monitor)}
}

// NewMutex creates a monitor and returns its id.
func (t *MonitorTable) NewMutex() MutexID {
	id := MutexID(t.nextID.Add(1))
	m := newMonitor(id)

	t.mu.Lock()
	t.monitors[id] = m
	t.mu.Unlock()

	return id
}

// Get returns the monitor for id, or nil.
func (t *MonitorTable) Get(id MutexID) *Monitor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.monitors[id]
}

// Remove drops a monitor, typically when its object is swept.
func (t *MonitorTable) Remove(id MutexID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.monitors, id)
}

// Len returns the number of live monitors.
func (t *MonitorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.monitors)
}
