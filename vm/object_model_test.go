package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

func TestHeaderLayout(t *testing.T) {
	tests := []struct {
		collector string
		valueBase int
	}{
		{CollectorMarkSweep, 13},
		{CollectorNone, 12},
	}
	for _, tt := range tests {
		vm := newTestVM(t, tt.collector)
		m := vm.Model
		if got := m.ValueBaseOffset(); got != tt.valueBase {
			t.Errorf("%s: ValueBaseOffset = %d, want %d", tt.collector, got, tt.valueBase)
		}
		if got := m.ArrayBaseOffset(); got != tt.valueBase+4 {
			t.Errorf("%s: ArrayBaseOffset = %d, want %d", tt.collector, got, tt.valueBase+4)
		}
		want := tt.valueBase + vm.ClassClass.InstanceFootprint()
		if got := m.StaticBaseOffset(); got != want {
			t.Errorf("%s: StaticBaseOffset = %d, want %d", tt.collector, got, want)
		}
		if m.ObjectSize() != 8 {
			t.Errorf("%s: ObjectSize = %d", tt.collector, m.ObjectSize())
		}
	}
}

func TestClassLayoutPacksFields(t *testing.T) {
	base := NewClassBuilder("test/Base", nil).
		Field("flag", TypeBoolean).
		Build()
	c := NewClassBuilder("test/Packed", base).
		Field("b", TypeByte).
		Field("l", TypeLong).
		Field("c", TypeChar).
		Field("r", TypeReference).
		StaticField("s", TypeShort).
		StaticField("sr", TypeReference).
		Build()

	tests := []struct {
		field  string
		offset int
	}{
		{"b", 1},
		{"l", 2},
		{"c", 10},
		{"r", 12},
		{"s", 0},
		{"sr", 2},
	}
	for _, tt := range tests {
		f, ok := c.FieldOffset(tt.field)
		if !ok {
			t.Fatalf("field %s missing", tt.field)
		}
		if f.Offset != tt.offset {
			t.Errorf("%s offset = %d, want %d", tt.field, f.Offset, tt.offset)
		}
	}
	if c.InstanceFootprint() != 20 || c.StaticFootprint() != 10 {
		t.Errorf("footprints = %d/%d, want 20/10", c.InstanceFootprint(), c.StaticFootprint())
	}
	if refs := c.ReferenceFields(); len(refs) != 1 || refs[0] != 12 {
		t.Errorf("reference fields = %v, want [12]", refs)
	}
	if refs := c.StaticReferenceFields(); len(refs) != 1 || refs[0] != 2 {
		t.Errorf("static reference fields = %v, want [2]", refs)
	}
}

func TestSizeOfType(t *testing.T) {
	tests := []struct {
		typ  Type
		size int
	}{
		{TypeBoolean, 1},
		{TypeByte, 1},
		{TypeChar, 2},
		{TypeShort, 2},
		{TypeInt, 4},
		{TypeFloat, 4},
		{TypeLong, 8},
		{TypeDouble, 8},
		{TypeReference, 8},
	}
	for _, tt := range tests {
		if got := SizeOfType(tt.typ); got != tt.size {
			t.Errorf("SizeOfType(%s) = %d, want %d", tt.typ, got, tt.size)
		}
	}
}

// ---------------------------------------------------------------------------
// Bootstrap and classes
// ---------------------------------------------------------------------------

func TestJavaLangClassIsSelfDescribing(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	mirror, ok := vm.ClassClass.Mirror().(*ClassMirror)
	if !ok {
		t.Fatalf("java/lang/Class has no mirror")
	}
	if got := vm.Model.ClassPointer(mirror); got != mirror.Address() {
		t.Errorf("class pointer = %s, want self %s", got, mirror.Address())
	}
	if got := vm.Model.ReadClass(mirror); got != ClassDescriptor(vm.ClassClass) {
		t.Errorf("ReadClass(jlc mirror) = %v", got)
	}

	// A second call returns the same mirror.
	again, err := vm.Model.NewJavaLangClass(vm.ClassClass)
	if err != nil || again != mirror {
		t.Errorf("NewJavaLangClass again = %v, %v", again, err)
	}
}

func TestReadClass(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)

	obj, err := vm.Model.NewInstance(node)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if got := vm.Model.ReadClass(obj); got != ClassDescriptor(node) {
		t.Errorf("ReadClass = %v, want %v", got, node)
	}

	mirror := node.Mirror().(*ClassMirror)
	if got := vm.Model.ClassPointer(obj); got != mirror.Address() {
		t.Errorf("class pointer = %s, want %s", got, mirror.Address())
	}
	if got := vm.Model.ReadClass(mirror); got != ClassDescriptor(vm.ClassClass) {
		t.Errorf("ReadClass(mirror) = %v, want java/lang/Class", got)
	}
}

func TestStaticFieldsLiveInMirror(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	c, err := vm.DefineClass(NewClassBuilder("test/Counter", vm.ObjectClass).
		StaticField("count", TypeLong).
		StaticField("last", TypeReference).
		Build(), BootstrapLoader)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	mirror := c.Mirror().(*ClassMirror)
	want := vm.Model.ValueBaseOffset() + vm.ClassClass.InstanceFootprint() + 16
	if mirror.Block().Len() != want {
		t.Errorf("mirror size = %d, want %d", mirror.Block().Len(), want)
	}

	count := fieldOffset(t, vm, c, "count")
	vm.Model.WriteValue(mirror, count, LongValue(-7))
	if got := vm.Model.ReadValue(mirror, count, TypeLong).Long(); got != -7 {
		t.Errorf("static count = %d, want -7", got)
	}
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

func TestReferenceRoundTripPreservesIdentity(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	next := fieldOffset(t, vm, node, "next")

	a, _ := vm.Model.NewInstance(node)
	b, _ := vm.Model.NewInstance(node)

	if got := vm.Model.ReadReference(a, next); got != Null {
		t.Errorf("fresh reference field = %v, want Null", got)
	}
	vm.Model.WriteReference(a, next, b)
	if got := vm.Model.ReadReference(a, next); got != Object(b) {
		t.Errorf("ReadReference = %v, want %v", got, b)
	}

	old := vm.Model.GetAndWriteReference(a, next, Null)
	if old != Object(b) {
		t.Errorf("GetAndWriteReference returned %v, want %v", old, b)
	}
	if got := vm.Model.ReadReference(a, next); !IsNull(got) {
		t.Errorf("after clearing, field = %v", got)
	}
}

func TestPrimitiveFields(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	c, err := vm.DefineClass(NewClassBuilder("test/Prims", vm.ObjectClass).
		Field("z", TypeBoolean).
		Field("b", TypeByte).
		Field("c", TypeChar).
		Field("s", TypeShort).
		Field("i", TypeInt).
		Field("f", TypeFloat).
		Field("j", TypeLong).
		Field("d", TypeDouble).
		Build(), BootstrapLoader)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	obj, err := vm.Model.NewInstance(c)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}

	tests := []struct {
		field string
		value Value
	}{
		{"z", BooleanValue(true)},
		{"b", ByteValue(-3)},
		{"c", CharValue(0xfffe)},
		{"s", ShortValue(-1234)},
		{"i", IntValue(-123456)},
		{"f", FloatValue(1.5)},
		{"j", LongValue(-1 << 40)},
		{"d", DoubleValue(-2.25)},
	}
	for _, tt := range tests {
		off := fieldOffset(t, vm, c, tt.field)
		vm.Model.WriteValue(obj, off, tt.value)
	}
	for _, tt := range tests {
		off := fieldOffset(t, vm, c, tt.field)
		got := vm.Model.ReadValue(obj, off, tt.value.Type())
		if got != tt.value {
			t.Errorf("field %s = %v, want %v", tt.field, got, tt.value)
		}
	}

	old := vm.Model.GetAndWriteValue(obj, fieldOffset(t, vm, c, "i"), IntValue(9))
	if old.Int() != -123456 {
		t.Errorf("GetAndWriteValue old = %d", old.Int())
	}
}

func TestNullAccessSegfaults(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	next := fieldOffset(t, vm, node, "next")

	expectFault(t, memory.FaultSegmentation, func() { vm.Model.ReadReference(Null, next) })
	expectFault(t, memory.FaultSegmentation, func() { vm.Model.WriteValue(nil, next, IntValue(1)) })
	expectFault(t, memory.FaultSegmentation, func() { vm.Model.ReadClass(Null) })
	expectFault(t, memory.FaultSegmentation, func() { vm.Model.GetMutex(Null) })
}

func TestFreedObjectSegfaults(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	obj, _ := vm.Model.NewInstance(node)

	if n := vm.Model.Free(obj); n != obj.Block().Len() {
		t.Errorf("Free returned %d, want %d", n, obj.Block().Len())
	}
	expectFault(t, memory.FaultSegmentation, func() { vm.Model.ReadValue(obj, fieldOffset(t, vm, node, "value"), TypeInt) })
	if got := vm.Model.Resolve(obj.Address()); got != Null {
		t.Errorf("Resolve(freed) = %v, want Null", got)
	}
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func TestPrimitiveArray(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	intArray, err := vm.ArrayOf(vm.Classes.Primitive(TypeInt))
	if err != nil {
		t.Fatalf("ArrayOf: %v", err)
	}
	if intArray.Name() != "[I" {
		t.Errorf("array class name = %q, want [I", intArray.Name())
	}

	arr, err := vm.Model.NewArray(intArray, 10)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if got := vm.Model.ReadArrayLength(arr); got != 10 {
		t.Errorf("ReadArrayLength = %d, want 10", got)
	}
	if got := arr.Block().Len(); got != vm.Model.ArrayBaseOffset()+40 {
		t.Errorf("block size = %d", got)
	}
	for i := 0; i < arr.Len(); i++ {
		vm.Model.WriteElement(arr, i, IntValue(int32(i*i)))
	}
	for i := 0; i < arr.Len(); i++ {
		if got := vm.Model.ReadElement(arr, i).Int(); got != int32(i*i) {
			t.Errorf("element %d = %d", i, got)
		}
	}

	expectFault(t, memory.FaultSegmentation, func() { vm.Model.ReadElement(arr, 10) })
	expectFault(t, memory.FaultSegmentation, func() { vm.Model.ReadElement(arr, -1) })
	expectFault(t, memory.FaultContract, func() { vm.Model.WriteElement(arr, 0, LongValue(1)) })
}

func TestReferenceArray(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	nodes, err := vm.ArrayOf(node)
	if err != nil {
		t.Fatalf("ArrayOf: %v", err)
	}
	if nodes.Name() != "[Ltest/Node;" {
		t.Errorf("array class name = %q", nodes.Name())
	}
	if nodes.ComponentClass() != node {
		t.Errorf("component class = %v", nodes.ComponentClass())
	}

	arr, _ := vm.Model.NewArray(nodes, 3)
	elem, _ := vm.Model.NewInstance(node)
	vm.Model.WriteElement(arr, 1, RefValue(elem))

	if got := vm.Model.Resolve(vm.Model.ReadElement(arr, 1).Address()); got != Object(elem) {
		t.Errorf("element 1 = %v, want %v", got, elem)
	}
	if got := vm.Model.Resolve(vm.Model.ReadElement(arr, 0).Address()); got != Null {
		t.Errorf("element 0 = %v, want Null", got)
	}
}

func TestNewArrayContract(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	expectFault(t, memory.FaultContract, func() { vm.Model.NewArray(node, 1) })

	nodes, _ := vm.ArrayOf(node)
	expectFault(t, memory.FaultContract, func() { vm.Model.NewArray(nodes, -1) })
	expectFault(t, memory.FaultContract, func() { vm.Model.NewInstance(nodes) })

	empty, err := vm.Model.NewArray(nodes, 0)
	if err != nil {
		t.Fatalf("NewArray(0): %v", err)
	}
	if vm.Model.ReadArrayLength(empty) != 0 {
		t.Errorf("empty array length = %d", vm.Model.ReadArrayLength(empty))
	}
}

func TestAllocationOutOfMemory(t *testing.T) {
	vm, err := NewVM(Config{Limit: 4096, ArenaSize: 1024})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Shutdown()
	bytes, _ := vm.ArrayOf(vm.Classes.Primitive(TypeByte))

	_, err = vm.Model.NewArray(bytes, 1<<20)
	if !errors.Is(err, memory.ErrOutOfMemory) {
		t.Errorf("NewArray beyond limit: err = %v, want ErrOutOfMemory", err)
	}
}

func TestHugeArrayLengthOutOfMemory(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	longs, _ := vm.ArrayOf(vm.Classes.Primitive(TypeLong))
	bytes, _ := vm.ArrayOf(vm.Classes.Primitive(TypeByte))

	tests := []struct {
		name   string
		class  *Class
		length int
	}{
		{"long wraps size", longs, 1 << 61},
		{"byte beyond int32", bytes, 1 << 32},
		{"max int", bytes, math.MaxInt},
	}
	for _, tt := range tests {
		before := vm.Model.Objects().Len()
		arr, err := vm.Model.NewArray(tt.class, tt.length)
		if !errors.Is(err, memory.ErrOutOfMemory) {
			t.Errorf("%s: NewArray = %v, %v; want ErrOutOfMemory", tt.name, arr, err)
		}
		if got := vm.Model.Objects().Len(); got != before {
			t.Errorf("%s: %d objects after failed allocation, want %d", tt.name, got, before)
		}
	}
}

func TestAllocationDuringCollectionFaults(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	vm.Model.BeginCollection()
	defer vm.Model.EndCollection()
	expectFault(t, memory.FaultContract, func() { vm.Model.NewInstance(node) })
}

// ---------------------------------------------------------------------------
// Monitors and native boxes
// ---------------------------------------------------------------------------

func TestGetMutex(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	obj, _ := vm.Model.NewInstance(node)

	if got := vm.Model.LockWord(obj); got != UnassignedMutex {
		t.Fatalf("fresh lock word = %d, want -1", got)
	}
	m1 := vm.Model.GetMutex(obj)
	m2 := vm.Model.GetMutex(obj)
	if m1 != m2 {
		t.Errorf("GetMutex returned different monitors")
	}
	if got := vm.Model.LockWord(obj); got != m1.ID() {
		t.Errorf("lock word = %d, want %d", got, m1.ID())
	}

	m1.Enter(1)
	m1.Enter(1)
	if m1.TryEnter(2) {
		t.Errorf("TryEnter by another thread succeeded")
	}
	m1.Exit(1)
	m1.Exit(1)
	if !m1.TryEnter(2) {
		t.Errorf("TryEnter after full exit failed")
	}
	expectFault(t, memory.FaultContract, func() { m1.Exit(1) })
	m1.Exit(2)

	vm.Model.Free(obj)
	if vm.Monitors.Get(m1.ID()) != nil {
		t.Errorf("monitor survived its object")
	}
}

func TestNativeBox(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	box, err := vm.Model.NewNative(node, "host state")
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if box.Value() != "host state" {
		t.Errorf("Value = %v", box.Value())
	}
	box.SetValue(42)
	if box.Value() != 42 {
		t.Errorf("Value after SetValue = %v", box.Value())
	}
	if box.Kind() != KindNative {
		t.Errorf("Kind = %s", box.Kind())
	}
	if got, _ := vm.Model.Lookup(box.Address()); got != Object(box) {
		t.Errorf("Lookup = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func TestListObjectsAddressOrder(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	for i := 0; i < 20; i++ {
		vm.Model.NewInstance(node)
	}
	objs := vm.Model.ListObjects()
	if len(objs) != vm.Model.Objects().Len() {
		t.Fatalf("ListObjects len %d, registry len %d", len(objs), vm.Model.Objects().Len())
	}
	for i := 1; i < len(objs); i++ {
		if objs[i-1].Address() >= objs[i].Address() {
			t.Fatalf("objects out of order at %d: %s >= %s", i, objs[i-1].Address(), objs[i].Address())
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	obj, _ := vm.Model.NewInstance(node)
	expectFault(t, memory.FaultContract, func() { vm.Model.Objects().Register(obj) })
	expectFault(t, memory.FaultContract, func() { NewObjectRegistry().Register(Null) })
}
