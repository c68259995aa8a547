package vm

import (
	"math"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Stack: operand stack over a thread arena slice
// ---------------------------------------------------------------------------

// Stack is an operand stack of 8-byte slots. Category-1 values (int, float,
// reference) take one slot; category-2 values (long, double) take two.
// Overflow and underflow are contract faults: verified bytecode never
// produces them.
type Stack struct {
	ts   *ThreadStorage
	data memory.Data
	off  int
	size int
	sp   int
}

func (s *Stack) region() (int, int)     { return s.off, s.size * slotSize }
func (s *Stack) liveSlots() memory.Data { return s.data.Slice(0, s.sp*slotSize) }

// Position returns the number of occupied slots.
func (s *Stack) Position() int { return s.sp }

// Size returns the slot capacity.
func (s *Stack) Size() int { return s.size }

// Reset empties the stack.
func (s *Stack) Reset() { s.sp = 0 }

// Free releases the stack back to its thread. It must be the most recently
// acquired live stack or locals.
func (s *Stack) Free() {
	ts := s.ts
	ts.release(s)
	s.data = memory.Data{}
	s.sp = 0
	if len(ts.stackPool) < ts.poolSize {
		ts.stackPool = append(ts.stackPool, s)
	}
}

func (s *Stack) need(op string, pops, pushes int) {
	if s.sp < pops {
		memory.Raise(memory.FaultContract, op, s.data.Address(), "stack underflow: need %d slots, have %d", pops, s.sp)
	}
	if s.sp-pops+pushes > s.size {
		memory.Raise(memory.FaultContract, op, s.data.Address(), "stack overflow: %d slots", s.size)
	}
}

func (s *Stack) at(i int) uint64       { return s.data.ReadUint64(i * slotSize) }
func (s *Stack) setAt(i int, v uint64) { s.data.WriteUint64(i*slotSize, v) }

// ---------------------------------------------------------------------------
// Raw slots
// ---------------------------------------------------------------------------

func (s *Stack) PushSlot(v uint64) {
	s.need("push", 0, 1)
	s.setAt(s.sp, v)
	s.sp++
}

func (s *Stack) PopSlot() uint64 {
	s.need("pop", 1, 0)
	s.sp--
	return s.at(s.sp)
}

// PeekSlot returns the slot depth positions below the top (0 is the top).
func (s *Stack) PeekSlot(depth int) uint64 {
	if depth < 0 {
		memory.Raise(memory.FaultContract, "peek", s.data.Address(), "negative depth %d", depth)
	}
	s.need("peek", depth+1, depth+1)
	return s.at(s.sp - 1 - depth)
}

func (s *Stack) pushWide(v uint64) {
	s.need("push", 0, 2)
	hi, lo := splitWide(v)
	s.setAt(s.sp, hi)
	s.setAt(s.sp+1, lo)
	s.sp += 2
}

func (s *Stack) popWide() uint64 {
	s.need("pop", 2, 0)
	s.sp -= 2
	return joinWide(s.at(s.sp), s.at(s.sp+1))
}

func (s *Stack) peekWide(depth int) uint64 {
	return joinWide(s.PeekSlot(depth+1), s.PeekSlot(depth))
}

// ---------------------------------------------------------------------------
// Typed push/pop/peek
// ---------------------------------------------------------------------------

func (s *Stack) PushInt(v int32) { s.PushSlot(uint64(uint32(v))) }
func (s *Stack) PopInt() int32   { return int32(uint32(s.PopSlot())) }
func (s *Stack) PeekInt(depth int) int32 {
	return int32(uint32(s.PeekSlot(depth)))
}

func (s *Stack) PushFloat(v float32) { s.PushSlot(uint64(math.Float32bits(v))) }
func (s *Stack) PopFloat() float32   { return math.Float32frombits(uint32(s.PopSlot())) }
func (s *Stack) PeekFloat(depth int) float32 {
	return math.Float32frombits(uint32(s.PeekSlot(depth)))
}

func (s *Stack) PushLong(v int64) { s.pushWide(uint64(v)) }
func (s *Stack) PopLong() int64   { return int64(s.popWide()) }

// PeekLong reads the long whose low word is depth slots below the top.
func (s *Stack) PeekLong(depth int) int64 { return int64(s.peekWide(depth)) }

func (s *Stack) PushDouble(v float64) { s.pushWide(math.Float64bits(v)) }
func (s *Stack) PopDouble() float64   { return math.Float64frombits(s.popWide()) }

// PeekDouble reads the double whose low word is depth slots below the top.
func (s *Stack) PeekDouble(depth int) float64 {
	return math.Float64frombits(s.peekWide(depth))
}

// PushRef pushes a reference; null is address 0.
func (s *Stack) PushRef(o Object) { s.PushSlot(uint64(RefValue(o).Address())) }

// PopRef pops a reference and resolves it through the object table.
func (s *Stack) PopRef() Object {
	return s.ts.model.Resolve(memory.Address(s.PopSlot()))
}

// PeekRef resolves the reference depth slots below the top.
func (s *Stack) PeekRef(depth int) Object {
	return s.ts.model.Resolve(memory.Address(s.PeekSlot(depth)))
}

// PushValue pushes v using one or two slots depending on its type.
func (s *Stack) PushValue(v Value) {
	switch {
	case v.typ.IsWide():
		s.pushWide(v.bits)
	case v.typ == TypeVoid:
		memory.Raise(memory.FaultContract, "push", s.data.Address(), "void value")
	default:
		s.PushSlot(v.bits)
	}
}

// PopValue pops a value of type t. Sub-int types are narrowed from the slot.
func (s *Stack) PopValue(t Type) Value {
	switch {
	case t.IsWide():
		return Value{t, s.popWide()}
	case t == TypeVoid:
		memory.Raise(memory.FaultContract, "pop", s.data.Address(), "void value")
	}
	return narrow(t, s.PopSlot())
}

func narrow(t Type, bits uint64) Value {
	switch t {
	case TypeBoolean, TypeByte:
		return Value{t, bits & 0xff}
	case TypeChar, TypeShort:
		return Value{t, bits & 0xffff}
	case TypeReference:
		return Value{t, bits}
	default:
		return Value{t, bits & 0xffffffff}
	}
}

// ---------------------------------------------------------------------------
// Stack manipulation
// ---------------------------------------------------------------------------

// Pop discards the top slot.
func (s *Stack) Pop() {
	s.need("pop", 1, 0)
	s.sp--
}

// Pop2 discards the top two slots.
func (s *Stack) Pop2() {
	s.need("pop2", 2, 0)
	s.sp -= 2
}

// Swap: ..., v2, v1 -> ..., v1, v2
func (s *Stack) Swap() {
	s.need("swap", 2, 2)
	v1, v2 := s.at(s.sp-1), s.at(s.sp-2)
	s.setAt(s.sp-2, v1)
	s.setAt(s.sp-1, v2)
}

// Dup: ..., v1 -> ..., v1, v1
func (s *Stack) Dup() {
	s.need("dup", 1, 2)
	s.setAt(s.sp, s.at(s.sp-1))
	s.sp++
}

// DupX1: ..., v2, v1 -> ..., v1, v2, v1
func (s *Stack) DupX1() {
	s.need("dup_x1", 2, 3)
	v1, v2 := s.at(s.sp-1), s.at(s.sp-2)
	s.setAt(s.sp-2, v1)
	s.setAt(s.sp-1, v2)
	s.setAt(s.sp, v1)
	s.sp++
}

// DupX2: ..., v3, v2, v1 -> ..., v1, v3, v2, v1
func (s *Stack) DupX2() {
	s.need("dup_x2", 3, 4)
	v1, v2, v3 := s.at(s.sp-1), s.at(s.sp-2), s.at(s.sp-3)
	s.setAt(s.sp-3, v1)
	s.setAt(s.sp-2, v3)
	s.setAt(s.sp-1, v2)
	s.setAt(s.sp, v1)
	s.sp++
}

// Dup2: ..., v2, v1 -> ..., v2, v1, v2, v1
func (s *Stack) Dup2() {
	s.need("dup2", 2, 4)
	s.setAt(s.sp, s.at(s.sp-2))
	s.setAt(s.sp+1, s.at(s.sp-1))
	s.sp += 2
}

// Dup2X1: ..., v3, v2, v1 -> ..., v2, v1, v3, v2, v1
func (s *Stack) Dup2X1() {
	s.need("dup2_x1", 3, 5)
	v1, v2, v3 := s.at(s.sp-1), s.at(s.sp-2), s.at(s.sp-3)
	s.setAt(s.sp-3, v2)
	s.setAt(s.sp-2, v1)
	s.setAt(s.sp-1, v3)
	s.setAt(s.sp, v2)
	s.setAt(s.sp+1, v1)
	s.sp += 2
}

// Dup2X2: ..., v4, v3, v2, v1 -> ..., v2, v1, v4, v3, v2, v1
func (s *Stack) Dup2X2() {
	s.need("dup2_x2", 4, 6)
	v1, v2, v3, v4 := s.at(s.sp-1), s.at(s.sp-2), s.at(s.sp-3), s.at(s.sp-4)
	s.setAt(s.sp-4, v2)
	s.setAt(s.sp-3, v1)
	s.setAt(s.sp-2, v4)
	s.setAt(s.sp-1, v3)
	s.setAt(s.sp, v2)
	s.setAt(s.sp+1, v1)
	s.sp += 2
}

// ---------------------------------------------------------------------------
// Argument passing
// ---------------------------------------------------------------------------

// SinkInto moves the top count slots into locals starting at slot 0,
// preserving their order, and pops them.
func (s *Stack) SinkInto(l *Locals, count int) {
	s.SinkIntoAt(l, 0, count)
}

// SinkIntoAt moves the top count slots into locals starting at slot dest.
// The deepest of the moved slots lands in dest.
func (s *Stack) SinkIntoAt(l *Locals, dest, count int) {
	if count < 0 || dest < 0 {
		memory.Raise(memory.FaultContract, "sink", s.data.Address(), "dest %d count %d", dest, count)
	}
	s.need("sink", count, 0)
	if dest+count > l.size {
		memory.Raise(memory.FaultContract, "sink", l.data.Address(), "locals of %d slots cannot take %d at %d", l.size, count, dest)
	}
	if count == 0 {
		return
	}
	src := s.data.Slice((s.sp-count)*slotSize, count*slotSize)
	l.data.CopyFrom(dest*slotSize, src)
	s.sp -= count
}
