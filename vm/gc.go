package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/kettle/vm/memory"
)

var gcLog = commonlog.GetLogger("kettle.gc")

// MarkState is the per-object collector byte.
type MarkState uint8

const (
	// MarkNone is the default: not reached this cycle.
	MarkNone MarkState = iota
	// MarkMarked means reached this cycle; reset to MarkNone by the sweep.
	MarkMarked
	// MarkPermanent is sticky and never cleared.
	MarkPermanent
)

func (s MarkState) String() string {
	switch s {
	case MarkNone:
		return "none"
	case MarkMarked:
		return "marked"
	case MarkPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("mark(%d)", uint8(s))
	}
}

// ErrForeignThread is returned when a collection is invoked from a thread
// attached to a different registry.
var ErrForeignThread = errors.New("invoking thread is not attached to this collector's registry")

// Collector is the garbage collector interface the interpreter drives.
type Collector interface {
	// Name identifies the strategy ("mark-sweep", "none").
	Name() string

	// MakeHandle returns obj's pin handle, retained once more if it already
	// exists or freshly created with a count of one.
	MakeHandle(obj Object) *Handle

	// GetHandle returns obj's live pin handle without retaining it, or nil.
	GetHandle(obj Object) *Handle

	// MakeGlobalReference marks obj permanently live.
	MakeGlobalReference(obj Object)

	// Invoke runs one collection cycle. caller is the mutator thread asking
	// for it, or nil.
	Invoke(caller *Thread) (*GCStats, error)

	// ReservedHeaderSize is the number of object header bytes the collector
	// needs.
	ReservedHeaderSize() int
}

// GCStats holds statistics from a single collection.
type GCStats struct {
	Cycle       uuid.UUID
	Collector   string
	Roots       int
	Marked      int
	Permanent   int
	Freed       int
	FreedBytes  int64
	Live        int
	WeakCleared int
	Pause       time.Duration // time spent reaching the safepoint
	Duration    time.Duration
	Timestamp   time.Time
}

// ---------------------------------------------------------------------------
// Handle: reference-counted pin
// ---------------------------------------------------------------------------

// Handle keeps one object alive regardless of reachability while its count
// is positive. Retain and Release are lock-free and may be called at any
// time, including during a collection.
type Handle struct {
	target Object
	count  atomic.Int32
	table  *handleTable
	noop   bool
}

// Target returns the pinned object.
func (h *Handle) Target() Object { return h.target }

// Count returns the current reference count.
func (h *Handle) Count() int32 { return h.count.Load() }

// Retain adds a reference. Retaining a handle whose count already reached
// zero is a contract fault.
func (h *Handle) Retain() {
	if !h.tryRetain() {
		memory.Raise(memory.FaultContract, "retain handle", h.target.Address(), "handle already released")
	}
}

func (h *Handle) tryRetain() bool {
	for {
		c := h.count.Load()
		if c <= 0 {
			return false
		}
		if h.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// Release drops a reference and reports whether it was the last one, in
// which case the handle's bookkeeping is discarded. Releasing more often
// than retained is a contract fault. Handles of a non-reclaiming collector
// never report finality.
func (h *Handle) Release() bool {
	if h.noop {
		return false
	}
	for {
		c := h.count.Load()
		if c <= 0 {
			memory.Raise(memory.FaultContract, "release handle", h.target.Address(), "released more times than retained")
		}
		if h.count.CompareAndSwap(c, c-1) {
			if c == 1 {
				h.table.drop(h)
				return true
			}
			return false
		}
	}
}

// handleTable holds at most one live handle per object.
type handleTable struct {
	mu      sync.Mutex
	handles map[memory.Address]*Handle
	noop    bool
}

func newHandleTable(noop bool) *handleTable {
	return &handleTable{handles: make(map[memory.Address]*Handle), noop: noop}
}

func (t *handleTable) acquire(obj Object) *Handle {
	if IsNull(obj) {
		memory.Segfault("make handle", 0)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := obj.Address()
	if h, ok := t.handles[addr]; ok && h.target == obj && h.tryRetain() {
		return h
	}
	h := &Handle{target: obj, table: t, noop: t.noop}
	h.count.Store(1)
	t.handles[addr] = h
	return h
}

func (t *handleTable) get(obj Object) *Handle {
	if IsNull(obj) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[obj.Address()]
	if !ok || h.target != obj || h.count.Load() <= 0 {
		return nil
	}
	return h
}

func (t *handleTable) drop(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.handles[h.target.Address()]; ok && cur == h {
		delete(t.handles, h.target.Address())
	}
}

// pinned returns the targets of every handle with a positive count.
func (t *handleTable) pinned() []Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]Object, 0, len(t.handles))
	for _, h := range t.handles {
		if h.count.Load() > 0 {
			result = append(result, h.target)
		}
	}
	return result
}

func (t *handleTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
