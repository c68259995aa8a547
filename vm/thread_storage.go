package vm

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/kettle/vm/memory"
)

var threadLog = commonlog.GetLogger("kettle.thread")

const (
	slotSize = 8

	// DefaultArenaSize is the per-thread arena size used when none is configured.
	DefaultArenaSize = 1 << 20

	// DefaultPoolSize bounds how many released stack and locals wrappers a
	// thread keeps for reuse.
	DefaultPoolSize = 128
)

// ErrStackOverflow is returned when a thread's arena cannot fit another
// stack or locals region.
var ErrStackOverflow = fmt.Errorf("thread arena exhausted: %w", memory.ErrOutOfMemory)

// slotRegion is an acquired stack or locals view.
type slotRegion interface {
	region() (off, n int)
	liveSlots() memory.Data
}

// ---------------------------------------------------------------------------
// ThreadStorage: per-thread arena
// ---------------------------------------------------------------------------

// ThreadStorage is one thread's execution memory. Stacks and locals are
// bump-allocated from a single direct block and must be released in the
// reverse order they were acquired, like call frames. Only the owning thread
// may touch it.
type ThreadStorage struct {
	model *ObjectModel
	arena *memory.Block
	data  memory.Data
	top   int

	poolSize   int
	stackPool  []*Stack
	localsPool []*Locals
	active     []slotRegion
}

// NewThreadStorage allocates an arena of arenaBytes from model's allocator.
// A poolSize of zero or less selects DefaultPoolSize.
func NewThreadStorage(model *ObjectModel, arenaBytes, poolSize int) (*ThreadStorage, error) {
	if arenaBytes <= 0 {
		arenaBytes = DefaultArenaSize
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	arena, err := model.Allocator().AllocateDirect(arenaBytes)
	if err != nil {
		return nil, fmt.Errorf("allocating thread arena: %w", err)
	}
	threadLog.Debugf("thread arena %s (%d bytes)", arena.Address(), arenaBytes)
	return &ThreadStorage{
		model:    model,
		arena:    arena,
		data:     arena.Data(),
		poolSize: poolSize,
	}, nil
}

// Model returns the object model used to resolve stored references.
func (ts *ThreadStorage) Model() *ObjectModel { return ts.model }

// Top returns the arena bump pointer in bytes.
func (ts *ThreadStorage) Top() int { return ts.top }

// Capacity returns the arena size in bytes.
func (ts *ThreadStorage) Capacity() int { return ts.data.Len() }

// Depth returns the number of live stacks and locals.
func (ts *ThreadStorage) Depth() int { return len(ts.active) }

// PooledStacks returns how many released stack wrappers are held for reuse.
func (ts *ThreadStorage) PooledStacks() int { return len(ts.stackPool) }

// PooledLocals returns how many released locals wrappers are held for reuse.
func (ts *ThreadStorage) PooledLocals() int { return len(ts.localsPool) }

func (ts *ThreadStorage) carve(slots int) (memory.Data, int, error) {
	if ts.arena == nil {
		memory.Raise(memory.FaultContract, "carve", 0, "thread storage already freed")
	}
	if slots < 0 {
		memory.Raise(memory.FaultContract, "carve", ts.arena.Address(), "negative slot count %d", slots)
	}
	if slots > (ts.data.Len()-ts.top)/slotSize {
		return memory.Data{}, 0, fmt.Errorf("need %d slots at %d of %d bytes: %w", slots, ts.top, ts.data.Len(), ErrStackOverflow)
	}
	n := slots * slotSize
	off := ts.top
	d := ts.data.Slice(off, n)
	d.Clear()
	ts.top += n
	return d, off, nil
}

// NewStack carves an operand stack of the given number of slots.
func (ts *ThreadStorage) NewStack(slots int) (*Stack, error) {
	d, off, err := ts.carve(slots)
	if err != nil {
		return nil, err
	}
	var s *Stack
	if k := len(ts.stackPool); k > 0 {
		s = ts.stackPool[k-1]
		ts.stackPool = ts.stackPool[:k-1]
	} else {
		s = &Stack{ts: ts}
	}
	s.data, s.off, s.size, s.sp = d, off, slots, 0
	ts.active = append(ts.active, s)
	return s, nil
}

// NewLocals carves a locals region of the given number of slots.
func (ts *ThreadStorage) NewLocals(slots int) (*Locals, error) {
	d, off, err := ts.carve(slots)
	if err != nil {
		return nil, err
	}
	var l *Locals
	if k := len(ts.localsPool); k > 0 {
		l = ts.localsPool[k-1]
		ts.localsPool = ts.localsPool[:k-1]
	} else {
		l = &Locals{ts: ts}
	}
	l.data, l.off, l.size = d, off, slots
	ts.active = append(ts.active, l)
	return l, nil
}

// release pops r off the active list and rewinds the bump pointer. r must be
// the most recently acquired live region.
func (ts *ThreadStorage) release(r slotRegion) {
	k := len(ts.active)
	if k == 0 || ts.active[k-1] != r {
		off, _ := r.region()
		memory.Raise(memory.FaultContract, "release", ts.data.Address()+memory.Address(off), "release out of LIFO order")
	}
	off, n := r.region()
	if off+n != ts.top {
		memory.Raise(memory.FaultContract, "release", ts.data.Address()+memory.Address(off), "bump pointer %d does not end region [%d,%d)", ts.top, off, off+n)
	}
	ts.top -= n
	ts.active[k-1] = nil
	ts.active = ts.active[:k-1]
}

// ScanSlots calls fn with every live slot: the occupied part of each stack
// and every slot of each locals region.
func (ts *ThreadStorage) ScanSlots(fn func(slot uint64)) {
	for _, r := range ts.active {
		d := r.liveSlots()
		for off := 0; off < d.Len(); off += slotSize {
			fn(d.ReadUint64(off))
		}
	}
}

// Free releases the arena. All stacks and locals must have been released.
func (ts *ThreadStorage) Free() {
	if ts.arena == nil {
		return
	}
	if len(ts.active) != 0 {
		memory.Raise(memory.FaultContract, "free thread storage", ts.arena.Address(), "%d regions still live", len(ts.active))
	}
	ts.model.Allocator().FreeDirect(ts.arena.Address())
	ts.arena = nil
	ts.data = memory.Data{}
	ts.stackPool = nil
	ts.localsPool = nil
}

// Discard drops every live region and releases the arena. It is the
// teardown for a thread that faulted with frames still in place; the
// discarded Stack and Locals views must not be used again.
func (ts *ThreadStorage) Discard() {
	if ts.arena == nil {
		return
	}
	if k := len(ts.active); k > 0 {
		threadLog.Debugf("discarding %d live regions of arena %s", k, ts.arena.Address())
	}
	clear(ts.active)
	ts.active = ts.active[:0]
	ts.top = 0
	ts.Free()
}

// ---------------------------------------------------------------------------
// Slot encoding
// ---------------------------------------------------------------------------

// One-word values are zero-extended into a slot. Two-word values are split,
// high word first, so that no half ever looks like a heap address.

func splitWide(v uint64) (hi, lo uint64) {
	return v >> 32, v & 0xffffffff
}

func joinWide(hi, lo uint64) uint64 {
	return hi<<32 | lo&0xffffffff
}
