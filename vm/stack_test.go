package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/kettle/vm/memory"
)

func newTestStorage(t *testing.T, arena int) *ThreadStorage {
	t.Helper()
	vm := newTestVM(t, CollectorMarkSweep)
	ts, err := NewThreadStorage(vm.Model, arena, 4)
	if err != nil {
		t.Fatalf("NewThreadStorage: %v", err)
	}
	return ts
}

// slots returns the raw stack contents, bottom first.
func slots(s *Stack) []uint64 {
	n := s.Position()
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = s.PeekSlot(i)
	}
	return out
}

func equalSlots(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Typed push and pop
// ---------------------------------------------------------------------------

func TestStackIntLong(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, err := ts.NewStack(8)
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	defer s.Free()

	s.PushInt(-5)
	if s.Position() != 1 {
		t.Errorf("position after int = %d, want 1", s.Position())
	}
	s.PushLong(math.MinInt64 + 3)
	if s.Position() != 3 {
		t.Errorf("position after long = %d, want 3", s.Position())
	}
	// high word first, so the top slot is the low word
	if got := s.PeekSlot(0); got != 3 {
		t.Errorf("low word slot = %#x, want 3", got)
	}
	if got := s.PeekSlot(1); got != 0x80000000 {
		t.Errorf("high word slot = %#x, want 0x80000000", got)
	}
	if got := s.PeekLong(0); got != math.MinInt64+3 {
		t.Errorf("PeekLong = %d", got)
	}
	if got := s.PopLong(); got != math.MinInt64+3 {
		t.Errorf("PopLong = %d", got)
	}
	if got := s.PopInt(); got != -5 {
		t.Errorf("PopInt = %d", got)
	}
	if s.Position() != 0 {
		t.Errorf("position after pops = %d", s.Position())
	}
}

func TestStackFloatDouble(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(4)
	defer s.Free()

	s.PushFloat(-0.5)
	s.PushDouble(math.Pi)
	if got := s.PeekFloat(2); got != -0.5 {
		t.Errorf("PeekFloat(2) = %v", got)
	}
	if got := s.PopDouble(); got != math.Pi {
		t.Errorf("PopDouble = %v", got)
	}
	if got := s.PopFloat(); got != -0.5 {
		t.Errorf("PopFloat = %v", got)
	}
}

func TestStackValues(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(16)
	defer s.Free()

	values := []Value{
		BooleanValue(true),
		ByteValue(-1),
		CharValue(0xabcd),
		ShortValue(-300),
		IntValue(1 << 30),
		FloatValue(2.5),
		LongValue(-1),
		DoubleValue(-0.125),
	}
	for _, v := range values {
		s.PushValue(v)
	}
	if s.Position() != 10 {
		t.Fatalf("position = %d, want 10", s.Position())
	}
	for i := len(values) - 1; i >= 0; i-- {
		want := values[i]
		if got := s.PopValue(want.Type()); got != want {
			t.Errorf("PopValue(%s) = %v, want %v", want.Type(), got, want)
		}
	}
}

func TestStackReferences(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	ts, _ := NewThreadStorage(vm.Model, 4096, 0)
	s, _ := ts.NewStack(4)
	defer s.Free()

	obj, _ := vm.Model.NewInstance(node)
	s.PushRef(obj)
	s.PushRef(Null)
	if got := s.PopRef(); got != Null {
		t.Errorf("PopRef = %v, want Null", got)
	}
	if got := s.PeekSlot(0); got != uint64(obj.Address()) {
		t.Errorf("reference slot = %#x, want %s", got, obj.Address())
	}
	if got := s.PeekRef(0); got != Object(obj) {
		t.Errorf("PeekRef = %v", got)
	}
	if got := s.PopRef(); got != Object(obj) {
		t.Errorf("PopRef = %v", got)
	}
}

func TestStackUnderflowOverflow(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(2)
	defer s.Free()

	expectFault(t, memory.FaultContract, func() { s.PopInt() })
	s.PushInt(1)
	expectFault(t, memory.FaultContract, func() { s.PushLong(2) })
	expectFault(t, memory.FaultContract, func() { s.Pop2() })
	expectFault(t, memory.FaultContract, func() { s.PushValue(Value{}) })
	s.Reset()
	if s.Position() != 0 {
		t.Errorf("position after Reset = %d", s.Position())
	}
}

// ---------------------------------------------------------------------------
// Manipulation
// ---------------------------------------------------------------------------

func TestStackManipulation(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Stack)
		in   []uint64
		want []uint64
	}{
		{"pop", (*Stack).Pop, []uint64{1, 2}, []uint64{1}},
		{"pop2", (*Stack).Pop2, []uint64{1, 2, 3}, []uint64{1}},
		{"swap", (*Stack).Swap, []uint64{1, 2}, []uint64{2, 1}},
		{"dup", (*Stack).Dup, []uint64{1, 2}, []uint64{1, 2, 2}},
		{"dup_x1", (*Stack).DupX1, []uint64{2, 1}, []uint64{1, 2, 1}},
		{"dup_x2", (*Stack).DupX2, []uint64{3, 2, 1}, []uint64{1, 3, 2, 1}},
		{"dup2", (*Stack).Dup2, []uint64{2, 1}, []uint64{2, 1, 2, 1}},
		{"dup2_x1", (*Stack).Dup2X1, []uint64{3, 2, 1}, []uint64{2, 1, 3, 2, 1}},
		{"dup2_x2", (*Stack).Dup2X2, []uint64{4, 3, 2, 1}, []uint64{2, 1, 4, 3, 2, 1}},
	}

	ts := newTestStorage(t, 4096)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := ts.NewStack(8)
			defer s.Free()
			for _, v := range tt.in {
				s.PushSlot(v)
			}
			tt.op(s)
			if got := slots(s); !equalSlots(got, tt.want) {
				t.Errorf("%s: %v -> %v, want %v", tt.name, tt.in, got, tt.want)
			}
		})
	}
}

func TestDup2CopiesWideValue(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(4)
	defer s.Free()

	s.PushLong(0x123456789)
	s.Dup2()
	if a, b := s.PopLong(), s.PopLong(); a != 0x123456789 || b != 0x123456789 {
		t.Errorf("dup2 of long: %#x, %#x", a, b)
	}
}

// ---------------------------------------------------------------------------
// Locals and argument passing
// ---------------------------------------------------------------------------

func TestLocals(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	ts, _ := NewThreadStorage(vm.Model, 4096, 0)
	l, err := ts.NewLocals(8)
	if err != nil {
		t.Fatalf("NewLocals: %v", err)
	}
	defer l.Free()

	obj, _ := vm.Model.NewInstance(node)
	l.SetInt(0, -9)
	l.SetLong(1, -2)
	l.SetFloat(3, 0.75)
	l.SetDouble(4, 1e100)
	l.SetRef(6, obj)

	if l.Int(0) != -9 || l.Long(1) != -2 || l.Float(3) != 0.75 || l.Double(4) != 1e100 {
		t.Errorf("locals = %d %d %v %v", l.Int(0), l.Long(1), l.Float(3), l.Double(4))
	}
	if l.Ref(6) != Object(obj) {
		t.Errorf("Ref(6) = %v", l.Ref(6))
	}
	if l.Ref(7) != Null {
		t.Errorf("unset reference = %v, want Null", l.Ref(7))
	}
	if got := l.Value(1, TypeLong); got != LongValue(-2) {
		t.Errorf("Value(1, long) = %v", got)
	}
	l.SetValue(0, ShortValue(-2))
	if got := l.Value(0, TypeShort).Short(); got != -2 {
		t.Errorf("short local = %d", got)
	}

	expectFault(t, memory.FaultContract, func() { l.Int(8) })
	expectFault(t, memory.FaultContract, func() { l.SetLong(7, 1) })
	expectFault(t, memory.FaultContract, func() { l.Slot(-1) })
}

func TestSinkInto(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(8)
	l, _ := ts.NewLocals(6)

	s.PushInt(99) // stays behind
	s.PushInt(7)
	s.PushLong(-3)
	s.SinkIntoAt(l, 1, 3)

	if s.Position() != 1 || s.PopInt() != 99 {
		t.Errorf("stack after sink: position %d", s.Position())
	}
	if l.Int(1) != 7 {
		t.Errorf("local 1 = %d, want 7", l.Int(1))
	}
	if l.Long(2) != -3 {
		t.Errorf("local 2 = %d, want -3", l.Long(2))
	}

	s.PushInt(5)
	s.SinkInto(l, 1)
	if l.Int(0) != 5 {
		t.Errorf("local 0 = %d, want 5", l.Int(0))
	}

	s.PushInt(1)
	expectFault(t, memory.FaultContract, func() { s.SinkIntoAt(l, 6, 1) })
	expectFault(t, memory.FaultContract, func() { s.SinkInto(l, 2) })

	l.Free()
	s.Free()
}

// ---------------------------------------------------------------------------
// Thread storage
// ---------------------------------------------------------------------------

func TestStorageLIFO(t *testing.T) {
	ts := newTestStorage(t, 4096)

	s1, _ := ts.NewStack(4)
	l1, _ := ts.NewLocals(2)
	if ts.Top() != 6*8 {
		t.Fatalf("top = %d, want 48", ts.Top())
	}
	s2, _ := ts.NewStack(3)
	if ts.Depth() != 3 {
		t.Errorf("depth = %d, want 3", ts.Depth())
	}

	expectFault(t, memory.FaultContract, func() { l1.Free() })
	expectFault(t, memory.FaultContract, func() { s1.Free() })

	s2.Free()
	if ts.Top() != 6*8 {
		t.Errorf("top after releasing s2 = %d, want 48", ts.Top())
	}
	l1.Free()
	s1.Free()
	if ts.Top() != 0 || ts.Depth() != 0 {
		t.Errorf("top %d depth %d after releasing all", ts.Top(), ts.Depth())
	}
}

func TestStoragePoolReuse(t *testing.T) {
	ts := newTestStorage(t, 4096)

	s, _ := ts.NewStack(2)
	s.PushInt(42)
	s.Free()
	if ts.PooledStacks() != 1 {
		t.Fatalf("pooled stacks = %d, want 1", ts.PooledStacks())
	}

	again, _ := ts.NewStack(2)
	if again != s {
		t.Errorf("wrapper not reused")
	}
	if again.Position() != 0 {
		t.Errorf("reused stack not empty")
	}
	again.PushInt(0)
	if again.PopInt() != 0 {
		t.Errorf("reused stack carries stale data")
	}
	again.Free()

	// Bounded pool: only four wrappers are kept.
	var held []*Locals
	for i := 0; i < 6; i++ {
		l, _ := ts.NewLocals(1)
		held = append(held, l)
	}
	for i := len(held) - 1; i >= 0; i-- {
		held[i].Free()
	}
	if ts.PooledLocals() != 4 {
		t.Errorf("pooled locals = %d, want 4", ts.PooledLocals())
	}
}

func TestStorageOverflow(t *testing.T) {
	ts := newTestStorage(t, 64)

	s, err := ts.NewStack(8)
	if err != nil {
		t.Fatalf("NewStack(8): %v", err)
	}
	_, err = ts.NewLocals(1)
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want ErrStackOverflow", err)
	}
	if !errors.Is(err, memory.ErrOutOfMemory) {
		t.Errorf("err = %v, want it to wrap ErrOutOfMemory", err)
	}
	s.Free()

	for _, slots := range []int{1 << 61, 1 << 62, math.MaxInt} {
		top := ts.Top()
		huge, err := ts.NewStack(slots)
		if !errors.Is(err, ErrStackOverflow) {
			t.Errorf("NewStack(%d) = %v, %v; want ErrStackOverflow", slots, huge, err)
		}
		if ts.Top() != top {
			t.Errorf("NewStack(%d) moved the bump pointer from %d to %d", slots, top, ts.Top())
		}
	}
}

func TestStorageFree(t *testing.T) {
	ts := newTestStorage(t, 256)
	alloc := ts.Model().Allocator()
	before := alloc.Stats().DirectBlocks

	s, _ := ts.NewStack(1)
	expectFault(t, memory.FaultContract, func() { ts.Free() })
	s.Free()
	ts.Free()
	if got := alloc.Stats().DirectBlocks; got != before-1 {
		t.Errorf("direct blocks = %d, want %d", got, before-1)
	}
	expectFault(t, memory.FaultContract, func() { ts.NewStack(1) })
}

func TestStorageDiscardWithLiveRegions(t *testing.T) {
	ts := newTestStorage(t, 256)
	alloc := ts.Model().Allocator()
	before := alloc.Stats().DirectBlocks

	if _, err := ts.NewLocals(2); err != nil {
		t.Fatalf("NewLocals: %v", err)
	}
	s, _ := ts.NewStack(4)
	s.PushInt(1)

	ts.Discard()
	if got := alloc.Stats().DirectBlocks; got != before-1 {
		t.Errorf("direct blocks = %d, want %d", got, before-1)
	}
	if ts.Depth() != 0 || ts.Top() != 0 {
		t.Errorf("depth %d top %d after discard, want 0 0", ts.Depth(), ts.Top())
	}
	ts.Discard()
	expectFault(t, memory.FaultContract, func() { ts.NewStack(1) })
}

func TestScanSlotsSeesOnlyLiveStackSlots(t *testing.T) {
	ts := newTestStorage(t, 4096)
	s, _ := ts.NewStack(4)
	l, _ := ts.NewLocals(2)
	defer func() { l.Free(); s.Free() }()

	s.PushSlot(11)
	s.PushSlot(12)
	s.Pop()
	l.SetSlot(1, 21)

	var seen []uint64
	ts.ScanSlots(func(v uint64) { seen = append(seen, v) })
	if want := []uint64{11, 0, 21}; !equalSlots(seen, want) {
		t.Errorf("ScanSlots = %v, want %v", seen, want)
	}
}
