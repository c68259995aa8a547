package vm

import (
	"sync"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// ObjectRegistry: address -> wrapper table
// ---------------------------------------------------------------------------

// ObjectRegistry maps live heap addresses to their typed wrappers. It is a
// dense slot array indexed the same way the allocator indexes blocks, so a
// lookup is a bounds check plus an exact-address comparison. Slots are
// reused when the allocator reuses the block slot.
//
// The null sentinel never has an entry.
type ObjectRegistry struct {
	mu      sync.RWMutex
	records []Object
	count   int
}

// NewObjectRegistry creates an empty registry.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{records: make([]Object, 0, 256)}
}

func recordIndex(addr memory.Address) int {
	return addr.Slot()
}

// Register adds o. Registering an address twice is a contract fault.
func (r *ObjectRegistry) Register(o Object) {
	addr := o.Address()
	idx := recordIndex(addr)
	if idx == 0 {
		memory.Raise(memory.FaultContract, "register", addr, "cannot register the null sentinel")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx >= len(r.records) {
		grown := make([]Object, idx+1, max(2*len(r.records), idx+1))
		copy(grown, r.records)
		r.records = grown
	}
	if r.records[idx] != nil {
		memory.Raise(memory.FaultContract, "register", addr, "slot already holds %s", r.records[idx].Address())
	}
	r.records[idx] = o
	r.count++
}

// Unregister drops the record for addr. It returns the removed wrapper, or
// nil if none was registered.
func (r *ObjectRegistry) Unregister(addr memory.Address) Object {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := recordIndex(addr)
	if idx <= 0 || idx >= len(r.records) {
		return nil
	}
	o := r.records[idx]
	if o == nil || o.Address() != addr {
		return nil
	}
	r.records[idx] = nil
	r.count--
	return o
}

// Lookup resolves addr to its wrapper. Only exact object addresses resolve.
func (r *ObjectRegistry) Lookup(addr memory.Address) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := recordIndex(addr)
	if idx <= 0 || idx >= len(r.records) {
		return nil, false
	}
	o := r.records[idx]
	if o == nil || o.Address() != addr {
		return nil, false
	}
	return o, true
}

// Len returns the number of live records.
func (r *ObjectRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// All returns the live records in address order.
func (r *ObjectRegistry) All() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Object, 0, r.count)
	for _, o := range r.records {
		if o != nil {
			result = append(result, o)
		}
	}
	return result
}
