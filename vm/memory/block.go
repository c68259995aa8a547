package memory

import "fmt"

// Address is an opaque 64-bit synthetic address. It never refers to host
// memory; it is resolved through the Allocator's block table.
//
// Layout:
//
//	63            40 39     32 31                  0
//	+---------------+---------+--------------------+
//	|  slot index   |   gen   |   byte offset      |
//	+---------------+---------+--------------------+
//
// Slot 0 is reserved for the empty sentinels, so no user block is ever
// assigned address 0. Address order equals slot order.
type Address uint64

const (
	offsetBits = 32
	genBits    = 8
	slotBits   = 64 - offsetBits - genBits

	offsetMask = 1<<offsetBits - 1
	genMask    = 1<<genBits - 1

	// MaxSlots is the number of distinct live blocks the table can hold.
	MaxSlots = 1<<slotBits - 1

	// MaxBlockSize is the largest region a single address can span.
	MaxBlockSize = 1<<offsetBits - 1
)

func makeAddress(slot uint32, gen uint8) Address {
	return Address(uint64(slot)<<(offsetBits+genBits) | uint64(gen)<<offsetBits)
}

func (a Address) slot() uint32 {
	return uint32(uint64(a) >> (offsetBits + genBits))
}

func (a Address) gen() uint8 {
	return uint8(uint64(a) >> offsetBits & genMask)
}

// Slot returns the table index encoded in a. Slot 0 is never assigned.
func (a Address) Slot() int {
	return int(a.slot())
}

// Offset returns the byte offset of a within its block.
func (a Address) Offset() int {
	return int(uint64(a) & offsetMask)
}

// Base returns the address of the first byte of a's block.
func (a Address) Base() Address {
	return a &^ offsetMask
}

func (a Address) String() string {
	return fmt.Sprintf("0x%016x", uint64(a))
}

// ---------------------------------------------------------------------------
// Block
// ---------------------------------------------------------------------------

// Block is a simulated memory region: an address, its bytes, and whether it
// belongs to the managed heap or to direct (off-heap) memory.
type Block struct {
	address Address
	data    Data
	heap    bool
}

var (
	emptyHeap   = &Block{heap: true}
	emptyDirect = &Block{heap: false}
)

// EmptyHeapBlock returns the shared zero-length heap block. It represents
// the null object and is never present in any table.
func EmptyHeapBlock() *Block { return emptyHeap }

// EmptyDirectBlock returns the shared zero-length direct block.
func EmptyDirectBlock() *Block { return emptyDirect }

// Address returns the block's base address.
func (b *Block) Address() Address { return b.address }

// Data returns the block's byte region.
func (b *Block) Data() Data { return b.data }

// Len returns the region length.
func (b *Block) Len() int { return b.data.Len() }

// IsHeap reports whether this is a heap block.
func (b *Block) IsHeap() bool { return b.heap }

// IsEmpty reports whether b is one of the two zero-length singletons.
// Identity, not address, decides this.
func (b *Block) IsEmpty() bool { return b == emptyHeap || b == emptyDirect }

// Contains reports whether addr falls inside the block.
func (b *Block) Contains(addr Address) bool {
	return addr >= b.address && uint64(addr-b.address) < uint64(b.data.Len())
}

func (b *Block) String() string {
	kind := "direct"
	if b.heap {
		kind = "heap"
	}
	return fmt.Sprintf("%s block %s (%d bytes)", kind, b.address, b.data.Len())
}
