package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// WeakReference: A reference that doesn't prevent garbage collection
// ---------------------------------------------------------------------------

// WeakReference holds the address of an object without keeping it alive.
// When the collector frees the target, the reference is cleared and its
// finalizer (if any) runs with the address the object had.
type WeakReference struct {
	id        uint32
	target    memory.Address
	finalizer func(memory.Address)
	mu        sync.RWMutex
}

// ID returns the unique identifier for this weak reference.
func (wr *WeakReference) ID() uint32 {
	return wr.id
}

// Address returns the target address, or 0 if the target has been collected.
func (wr *WeakReference) Address() memory.Address {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.target
}

// Get resolves the target through model, returning Null once it is collected.
func (wr *WeakReference) Get(model *ObjectModel) Object {
	return model.Resolve(wr.Address())
}

// IsAlive returns true if the target has not been collected.
func (wr *WeakReference) IsAlive() bool {
	return wr.Address() != 0
}

// Clear drops the target and returns the address it had.
func (wr *WeakReference) Clear() memory.Address {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	old := wr.target
	wr.target = 0
	return old
}

// SetFinalizer sets a callback to be invoked when the target is collected.
// It runs on the collecting goroutine after the collection has finished.
func (wr *WeakReference) SetFinalizer(fn func(memory.Address)) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.finalizer = fn
}

// Finalizer returns the finalization callback, if any.
func (wr *WeakReference) Finalizer() func(memory.Address) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	return wr.finalizer
}

// ---------------------------------------------------------------------------
// WeakRegistry: Tracks all weak references in the VM
// ---------------------------------------------------------------------------

// WeakRegistry manages all weak references. The collector consults it after
// marking and before sweeping.
type WeakRegistry struct {
	refs   map[uint32]*WeakReference
	mu     sync.RWMutex
	nextID atomic.Uint32
}

// NewWeakRegistry creates a new weak reference registry.
func NewWeakRegistry() *WeakRegistry {
	return &WeakRegistry{
		refs: make(map[uint32]*WeakReference),
	}
}

// NewWeakReference registers a weak reference to target.
func (r *WeakRegistry) NewWeakReference(target Object) *WeakReference {
	wr := &WeakReference{
		id:     r.nextID.Add(1),
		target: RefValue(target).Address(),
	}
	r.mu.Lock()
	r.refs[wr.id] = wr
	r.mu.Unlock()
	return wr
}

// Unregister removes a weak reference from the registry.
func (r *WeakRegistry) Unregister(wr *WeakReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, wr.id)
}

// Lookup finds a weak reference by ID.
func (r *WeakRegistry) Lookup(id uint32) *WeakReference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[id]
}

// ProcessGC clears weak references whose targets are about to be freed.
// live reports whether an address survives the current cycle. It returns
// the number cleared and a function that runs their finalizers; collectors
// call it once the world has resumed, so finalizers may allocate.
func (r *WeakRegistry) ProcessGC(live func(memory.Address) bool) (int, func()) {
	r.mu.RLock()
	var dying []*WeakReference
	for _, wr := range r.refs {
		if addr := wr.Address(); addr != 0 && !live(addr) {
			dying = append(dying, wr)
		}
	}
	r.mu.RUnlock()

	type finalization struct {
		fn   func(memory.Address)
		addr memory.Address
	}
	var pending []finalization
	for _, wr := range dying {
		addr := wr.Clear()
		if fn := wr.Finalizer(); fn != nil {
			pending = append(pending, finalization{fn, addr})
		}
	}
	return len(dying), func() {
		for _, f := range pending {
			f.fn(f.addr)
		}
	}
}

// Count returns the number of registered weak references.
func (r *WeakRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}
