package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Thread: a mutator with its own execution storage
// ---------------------------------------------------------------------------

// Thread is an interpreter thread as seen by the memory core: an arena of
// stacks and locals, the results of frames that have returned but not yet
// been consumed, and a seat at the safepoint.
type Thread struct {
	id       int64
	name     string
	storage  *ThreadStorage
	registry *ThreadRegistry

	mu      sync.Mutex
	pending []Value

	// guarded by registry.safepoint.mu
	safe     bool
	detached bool
}

// ID returns the thread id. Ids start at 1.
func (t *Thread) ID() int64 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Storage returns the thread's execution storage.
func (t *Thread) Storage() *ThreadStorage { return t.storage }

// PushPendingResult records a value returned by a frame and not yet
// consumed by its caller. The collector treats it as a root.
func (t *Thread) PushPendingResult(v Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, v)
}

// PopPendingResult consumes the most recent pending result.
func (t *Thread) PopPendingResult() Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := len(t.pending)
	if k == 0 {
		memory.Raise(memory.FaultContract, "pop pending result", 0, "thread %d has no pending result", t.id)
	}
	v := t.pending[k-1]
	t.pending = t.pending[:k-1]
	return v
}

// SetPendingResult replaces every pending result with v, for a frame that
// returns straight into a native caller.
func (t *Thread) SetPendingResult(v Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending[:0], v)
}

// ClearPendingResult drops every pending result.
func (t *Thread) ClearPendingResult() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
	t.pending = t.pending[:0]
}

// PendingResults returns a copy of the pending results, oldest first.
func (t *Thread) PendingResults() []Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Value(nil), t.pending...)
}

// Poll is a safe point: if a collection has been requested the thread parks
// until it finishes. Interpreters call it at backward branches and calls.
func (t *Thread) Poll() {
	t.registry.safepoint.poll(t)
}

// Blocking runs fn with the thread counted as parked, so a collection can
// proceed while fn blocks. fn must not touch guest memory. fn may Exit the
// thread; calling Blocking on an exited thread is a contract fault.
func (t *Thread) Blocking(fn func()) {
	sp := t.registry.safepoint
	sp.enterSafe(t)
	defer sp.leaveSafe(t)
	fn()
}

// Exit detaches the thread and frees its storage.
func (t *Thread) Exit() {
	t.registry.Detach(t)
	if t.storage != nil {
		t.storage.Free()
	}
}

// ---------------------------------------------------------------------------
// ThreadRegistry
// ---------------------------------------------------------------------------

// ThreadRegistry tracks every live mutator thread and owns the safepoint
// they rendezvous at.
type ThreadRegistry struct {
	mu        sync.RWMutex
	threads   map[int64]*Thread
	nextID    atomic.Int64
	safepoint *Safepoint
}

// NewThreadRegistry creates an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{
		threads:   make(map[int64]*Thread),
		safepoint: newSafepoint(),
	}
}

// Attach registers a running thread using storage.
func (r *ThreadRegistry) Attach(name string, storage *ThreadStorage) *Thread {
	t := &Thread{
		id:       r.nextID.Add(1),
		name:     name,
		storage:  storage,
		registry: r,
	}
	// A collection in progress must not see a thread it did not wait for.
	r.safepoint.join(t)

	r.mu.Lock()
	r.threads[t.id] = t
	r.mu.Unlock()

	threadLog.Debugf("attached thread %d (%s)", t.id, name)
	return t
}

// Detach unregisters t. Detaching twice is harmless.
func (r *ThreadRegistry) Detach(t *Thread) {
	r.mu.Lock()
	_, ok := r.threads[t.id]
	delete(r.threads, t.id)
	r.mu.Unlock()

	if ok {
		r.safepoint.leave(t)
		threadLog.Debugf("detached thread %d (%s)", t.id, t.name)
	}
}

// Threads returns the live threads ordered by id.
func (r *ThreadRegistry) Threads() []*Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Len returns the number of live threads.
func (r *ThreadRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

// Safepoint returns the registry's safepoint.
func (r *ThreadRegistry) Safepoint() *Safepoint {
	return r.safepoint
}

// Owns reports whether t is attached to this registry.
func (r *ThreadRegistry) Owns(t *Thread) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threads[t.id] == t
}
