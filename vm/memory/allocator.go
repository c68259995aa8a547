package memory

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kettle.memory")

const (
	addressSize = 8
	pageSize    = 4096

	// DefaultMaxBlock is the per-block ceiling used when Options leave it unset.
	DefaultMaxBlock = 256 << 20
)

// Options configures an Allocator.
type Options struct {
	// MaxBlock caps a single allocation. Zero means DefaultMaxBlock.
	MaxBlock int

	// Limit caps the total bytes live across heap and direct blocks.
	// Zero means unlimited.
	Limit int64
}

// Stats reports allocator occupancy.
type Stats struct {
	HeapBlocks   int
	DirectBlocks int
	HeapBytes    int64
	DirectBytes  int64
	Allocs       uint64
	Frees        uint64
}

// LiveBytes returns heap plus direct bytes.
func (s Stats) LiveBytes() int64 {
	return s.HeapBytes + s.DirectBytes
}

type slot struct {
	block *Block
	gen   uint8
}

// ---------------------------------------------------------------------------
// Allocator: synthetic address space
// ---------------------------------------------------------------------------

// Allocator owns a synthetic address space. Addresses are issued from a
// dense slot table; a freed slot is reused with a bumped generation so stale
// addresses stop resolving. Lookup of any interior address is O(1).
//
// The allocator is safe for concurrent use.
type Allocator struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	opts  Options
	stats Stats
}

// NewAllocator creates an empty address space.
func NewAllocator(opts Options) *Allocator {
	if opts.MaxBlock <= 0 || opts.MaxBlock > MaxBlockSize {
		opts.MaxBlock = min(DefaultMaxBlock, MaxBlockSize)
	}
	return &Allocator{
		// slot 0 is the empty sentinel's
		slots: make([]slot, 1, 64),
		opts:  opts,
	}
}

// AddressSize returns the width of a stored address in bytes.
func (a *Allocator) AddressSize() int { return addressSize }

// PageSize returns the simulated page size.
func (a *Allocator) PageSize() int { return pageSize }

// EmptyHeapBlock returns the shared zero-length heap block.
func (a *Allocator) EmptyHeapBlock() *Block { return emptyHeap }

// EmptyDirectBlock returns the shared zero-length direct block.
func (a *Allocator) EmptyDirectBlock() *Block { return emptyDirect }

// AllocateHeap allocates a zeroed heap block of n bytes.
func (a *Allocator) AllocateHeap(n int) (*Block, error) {
	return a.allocate(n, true)
}

// AllocateDirect allocates a zeroed direct block of n bytes.
func (a *Allocator) AllocateDirect(n int) (*Block, error) {
	return a.allocate(n, false)
}

func (a *Allocator) allocate(n int, heap bool) (*Block, error) {
	if n < 0 {
		Raise(FaultContract, "allocate", 0, "negative size %d", n)
	}
	if n == 0 {
		if heap {
			return emptyHeap, nil
		}
		return emptyDirect, nil
	}
	if n > a.opts.MaxBlock {
		return nil, fmt.Errorf("allocating %d bytes (ceiling %d): %w", n, a.opts.MaxBlock, ErrOutOfMemory)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opts.Limit > 0 && a.stats.LiveBytes()+int64(n) > a.opts.Limit {
		return nil, fmt.Errorf("allocating %d bytes (limit %d, live %d): %w", n, a.opts.Limit, a.stats.LiveBytes(), ErrOutOfMemory)
	}

	var idx uint32
	if k := len(a.free); k > 0 {
		idx = a.free[k-1]
		a.free = a.free[:k-1]
	} else {
		if len(a.slots) > MaxSlots {
			return nil, fmt.Errorf("allocating %d bytes: address space exhausted: %w", n, ErrOutOfMemory)
		}
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}

	s := &a.slots[idx]
	addr := makeAddress(idx, s.gen)
	b := &Block{
		address: addr,
		data:    Data{addr: addr, buf: make([]byte, n)},
		heap:    heap,
	}
	s.block = b

	a.stats.Allocs++
	if heap {
		a.stats.HeapBlocks++
		a.stats.HeapBytes += int64(n)
	} else {
		a.stats.DirectBlocks++
		a.stats.DirectBytes += int64(n)
	}
	return b, nil
}

// FreeHeap frees the heap block whose base address is addr. It returns true
// iff such a block existed and was removed.
func (a *Allocator) FreeHeap(addr Address) bool {
	return a.release(addr, true)
}

// FreeDirect frees the direct block whose base address is addr.
func (a *Allocator) FreeDirect(addr Address) bool {
	return a.release(addr, false)
}

func (a *Allocator) release(addr Address, heap bool) bool {
	if addr.Offset() != 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.lookupLocked(addr)
	if b == nil || b.address != addr || b.heap != heap {
		return false
	}

	idx := addr.slot()
	s := &a.slots[idx]
	s.block = nil
	s.gen++
	a.free = append(a.free, idx)

	a.stats.Frees++
	if heap {
		a.stats.HeapBlocks--
		a.stats.HeapBytes -= int64(b.Len())
	} else {
		a.stats.DirectBlocks--
		a.stats.DirectBytes -= int64(b.Len())
	}
	return true
}

// FindHeapBlock returns the heap block containing addr, or nil.
func (a *Allocator) FindHeapBlock(addr Address) *Block {
	return a.find(addr, true)
}

// FindDirectBlock returns the direct block containing addr, or nil.
func (a *Allocator) FindDirectBlock(addr Address) *Block {
	return a.find(addr, false)
}

func (a *Allocator) find(addr Address, heap bool) *Block {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b := a.lookupLocked(addr)
	if b == nil || b.heap != heap {
		return nil
	}
	if uint64(addr-b.address) >= uint64(b.Len()) {
		return nil
	}
	return b
}

func (a *Allocator) lookupLocked(addr Address) *Block {
	idx := addr.slot()
	if idx == 0 || int(idx) >= len(a.slots) {
		return nil
	}
	s := a.slots[idx]
	if s.block == nil || s.gen != addr.gen() {
		return nil
	}
	return s.block
}

// ReallocateDirect grows the direct block at addr to n bytes, copying its
// contents into a new block and freeing the old one. Reallocating address 0
// is an allocation. Shrinking is refused with an unsupported-operation fault.
func (a *Allocator) ReallocateDirect(addr Address, n int) (*Block, error) {
	if addr == 0 {
		return a.AllocateDirect(n)
	}

	old := a.FindDirectBlock(addr)
	if old == nil || old.address != addr {
		Segfault("reallocate", addr)
	}
	switch {
	case n == old.Len():
		return old, nil
	case n < old.Len():
		Raise(FaultUnsupported, "reallocate", addr, "shrink from %d to %d bytes", old.Len(), n)
	}

	nb, err := a.AllocateDirect(n)
	if err != nil {
		return nil, err
	}
	nb.data.CopyFrom(0, old.data)
	a.FreeDirect(addr)
	log.Debugf("reallocated %s -> %s (%d -> %d bytes)", addr, nb.address, old.Len(), n)
	return nb, nil
}

// Stats returns a snapshot of allocator occupancy.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// ForEach calls fn for every live block in address order. fn must not call
// back into the allocator.
func (a *Allocator) ForEach(fn func(b *Block) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := 1; i < len(a.slots); i++ {
		if b := a.slots[i].block; b != nil {
			if !fn(b) {
				return
			}
		}
	}
}
