package vm

import (
	"math"

	"github.com/chazu/kettle/vm/memory"
)

// Locals is a frame's local variable array over a thread arena slice. Wide
// values occupy slots i and i+1.
type Locals struct {
	ts   *ThreadStorage
	data memory.Data
	off  int
	size int
}

func (l *Locals) region() (int, int)     { return l.off, l.size * slotSize }
func (l *Locals) liveSlots() memory.Data { return l.data }

// Size returns the slot count.
func (l *Locals) Size() int { return l.size }

// Free releases the locals back to its thread. It must be the most recently
// acquired live stack or locals.
func (l *Locals) Free() {
	ts := l.ts
	ts.release(l)
	l.data = memory.Data{}
	if len(ts.localsPool) < ts.poolSize {
		ts.localsPool = append(ts.localsPool, l)
	}
}

// Clear zeroes every slot.
func (l *Locals) Clear() { l.data.Clear() }

func (l *Locals) check(op string, i, n int) {
	if i < 0 || i+n > l.size {
		memory.Raise(memory.FaultContract, op, l.data.Address(), "slot %d (+%d) outside %d locals", i, n, l.size)
	}
}

func (l *Locals) Slot(i int) uint64 {
	l.check("get local", i, 1)
	return l.data.ReadUint64(i * slotSize)
}

func (l *Locals) SetSlot(i int, v uint64) {
	l.check("set local", i, 1)
	l.data.WriteUint64(i*slotSize, v)
}

func (l *Locals) wide(i int) uint64 {
	l.check("get local", i, 2)
	return joinWide(l.data.ReadUint64(i*slotSize), l.data.ReadUint64((i+1)*slotSize))
}

func (l *Locals) setWide(i int, v uint64) {
	l.check("set local", i, 2)
	hi, lo := splitWide(v)
	l.data.WriteUint64(i*slotSize, hi)
	l.data.WriteUint64((i+1)*slotSize, lo)
}

func (l *Locals) Int(i int) int32       { return int32(uint32(l.Slot(i))) }
func (l *Locals) SetInt(i int, v int32) { l.SetSlot(i, uint64(uint32(v))) }
func (l *Locals) Float(i int) float32   { return math.Float32frombits(uint32(l.Slot(i))) }
func (l *Locals) SetFloat(i int, v float32) {
	l.SetSlot(i, uint64(math.Float32bits(v)))
}
func (l *Locals) Long(i int) int64       { return int64(l.wide(i)) }
func (l *Locals) SetLong(i int, v int64) { l.setWide(i, uint64(v)) }
func (l *Locals) Double(i int) float64   { return math.Float64frombits(l.wide(i)) }
func (l *Locals) SetDouble(i int, v float64) {
	l.setWide(i, math.Float64bits(v))
}

// Ref resolves the reference in slot i.
func (l *Locals) Ref(i int) Object {
	return l.ts.model.Resolve(memory.Address(l.Slot(i)))
}

// SetRef stores a reference (null is address 0) in slot i.
func (l *Locals) SetRef(i int, o Object) {
	l.SetSlot(i, uint64(RefValue(o).Address()))
}

// Value reads slot i (and i+1 for wide types) as type t.
func (l *Locals) Value(i int, t Type) Value {
	if t.IsWide() {
		return Value{t, l.wide(i)}
	}
	return narrow(t, l.Slot(i))
}

// SetValue stores v at slot i (and i+1 for wide types).
func (l *Locals) SetValue(i int, v Value) {
	if v.typ.IsWide() {
		l.setWide(i, v.bits)
		return
	}
	l.SetSlot(i, v.bits)
}
