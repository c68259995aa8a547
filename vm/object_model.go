package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/chazu/kettle/vm/memory"
)

// Header layout. Every object starts with:
//
//	+0   class pointer (address of the class mirror)      8 bytes
//	+8   lock word (-1 or a MutexID)                      4 bytes
//	+12  collector reserved bytes (mark byte)             ReservedHeaderSize
//
// Arrays follow the header with a 4-byte length, then the elements.
const (
	pointerSize        = 8
	classPointerOffset = 0
	lockWordOffset     = 8
	markOffset         = 12
	baseHeaderSize     = 12
	arrayLengthSize    = 4
)

// ---------------------------------------------------------------------------
// ObjectModel
// ---------------------------------------------------------------------------

// ObjectModel lays guest objects out in allocator blocks and resolves stored
// references back to wrappers through an ObjectRegistry. All field access is
// indirect: a stored reference is an address, never a host pointer.
type ObjectModel struct {
	alloc    *memory.Allocator
	classes  ClassResolver
	monitors *MonitorTable
	objects  *ObjectRegistry
	reserved int

	mirrorMu  sync.Mutex
	jlc       ClassDescriptor
	jlcMirror *ClassMirror

	lockMu     sync.Mutex
	collecting atomic.Bool
	allocated  atomic.Int64
}

// NewObjectModel creates an object model over alloc. reservedHeader is the
// number of header bytes the collector in use needs (see
// Collector.ReservedHeaderSize).
func NewObjectModel(alloc *memory.Allocator, classes ClassResolver, monitors *MonitorTable, reservedHeader int) *ObjectModel {
	if reservedHeader < 0 {
		reservedHeader = 0
	}
	return &ObjectModel{
		alloc:    alloc,
		classes:  classes,
		monitors: monitors,
		objects:  NewObjectRegistry(),
		reserved: reservedHeader,
	}
}

func (m *ObjectModel) Allocator() *memory.Allocator { return m.alloc }
func (m *ObjectModel) Objects() *ObjectRegistry     { return m.objects }
func (m *ObjectModel) Monitors() *MonitorTable      { return m.monitors }
func (m *ObjectModel) ReservedHeaderSize() int      { return m.reserved }

// ---------------------------------------------------------------------------
// Layout queries
// ---------------------------------------------------------------------------

// ObjectSize returns the width of a stored reference.
func (m *ObjectModel) ObjectSize() int { return pointerSize }

// ValueBaseOffset is where instance field data starts.
func (m *ObjectModel) ValueBaseOffset() int { return baseHeaderSize + m.reserved }

// ArrayBaseOffset is where array element data starts.
func (m *ObjectModel) ArrayBaseOffset() int { return m.ValueBaseOffset() + arrayLengthSize }

// StaticBaseOffset is where a class mirror's static field data starts.
func (m *ObjectModel) StaticBaseOffset() int {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	if m.jlc == nil {
		memory.Raise(memory.FaultContract, "static base", 0, "class of classes not bootstrapped")
	}
	return m.ValueBaseOffset() + m.jlc.InstanceFootprint()
}

// SizeOfType returns the storage width of t.
func (m *ObjectModel) SizeOfType(t Type) int { return SizeOfType(t) }

// FieldOffset converts a declared field's layout offset into an offset
// within the object (or, for static fields, within the class mirror).
func (m *ObjectModel) FieldOffset(f Field) int {
	if f.Static {
		return m.StaticBaseOffset() + f.Offset
	}
	return m.ValueBaseOffset() + f.Offset
}

// ArrayElementOffset returns the byte offset of element i.
func (m *ObjectModel) ArrayElementOffset(arr *Array, i int) int {
	return m.ArrayBaseOffset() + i*SizeOfType(arr.class.ComponentType())
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (m *ObjectModel) allocate(size int, classPtr memory.Address) (*memory.Block, error) {
	if m.collecting.Load() {
		memory.Raise(memory.FaultContract, "allocate", 0, "allocation during collection")
	}
	b, err := m.alloc.AllocateHeap(size)
	if err != nil {
		return nil, err
	}
	d := b.Data()
	d.WriteAddress(classPointerOffset, classPtr)
	d.WriteInt32(lockWordOffset, int32(UnassignedMutex))
	m.allocated.Add(int64(size))
	return b, nil
}

// NewJavaLangClass bootstraps the mirror of the class of classes. That
// mirror's class pointer refers to itself. Calling it again returns the
// existing mirror.
func (m *ObjectModel) NewJavaLangClass(jlc ClassDescriptor) (*ClassMirror, error) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()

	if m.jlcMirror != nil {
		return m.jlcMirror, nil
	}

	size := m.ValueBaseOffset() + jlc.InstanceFootprint() + jlc.StaticFootprint()
	b, err := m.allocate(size, 0)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping %s: %w", jlc.Name(), err)
	}
	b.Data().WriteAddress(classPointerOffset, b.Address())

	mirror := &ClassMirror{objectHeader: objectHeader{b}, represents: jlc}
	m.objects.Register(mirror)
	jlc.SetMirror(mirror)
	m.jlc = jlc
	m.jlcMirror = mirror
	return mirror, nil
}

// ClassOfClasses returns the bootstrapped class of classes, or nil.
func (m *ObjectModel) ClassOfClasses() ClassDescriptor {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	return m.jlc
}

// NewClassOop allocates the mirror object for c: the class of classes'
// instance fields followed by c's static fields. If c already has a mirror
// it is returned unchanged.
func (m *ObjectModel) NewClassOop(c ClassDescriptor) (*ClassMirror, error) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	return m.newClassOopLocked(c)
}

func (m *ObjectModel) newClassOopLocked(c ClassDescriptor) (*ClassMirror, error) {
	if existing, ok := c.Mirror().(*ClassMirror); ok {
		return existing, nil
	}
	if m.jlcMirror == nil {
		memory.Raise(memory.FaultContract, "new class oop", 0, "class of classes not bootstrapped")
	}

	size := m.ValueBaseOffset() + m.jlc.InstanceFootprint() + c.StaticFootprint()
	b, err := m.allocate(size, m.jlcMirror.Address())
	if err != nil {
		return nil, fmt.Errorf("allocating mirror for %s: %w", c.Name(), err)
	}
	mirror := &ClassMirror{objectHeader: objectHeader{b}, represents: c}
	m.objects.Register(mirror)
	c.SetMirror(mirror)
	return mirror, nil
}

func (m *ObjectModel) mirrorFor(c ClassDescriptor) (*ClassMirror, error) {
	if existing, ok := c.Mirror().(*ClassMirror); ok {
		return existing, nil
	}
	return m.NewClassOop(c)
}

// NewInstance allocates a zeroed instance of c.
func (m *ObjectModel) NewInstance(c ClassDescriptor) (*Instance, error) {
	b, err := m.newInstanceBlock(c)
	if err != nil {
		return nil, err
	}
	o := &Instance{objectHeader: objectHeader{b}, class: c}
	m.objects.Register(o)
	return o, nil
}

// NewNative allocates an instance of c that carries the host value v.
func (m *ObjectModel) NewNative(c ClassDescriptor, v any) (*NativeBox, error) {
	b, err := m.newInstanceBlock(c)
	if err != nil {
		return nil, err
	}
	o := &NativeBox{Instance: Instance{objectHeader: objectHeader{b}, class: c}, value: v}
	m.objects.Register(o)
	return o, nil
}

func (m *ObjectModel) newInstanceBlock(c ClassDescriptor) (*memory.Block, error) {
	if c.ComponentType() != TypeVoid {
		memory.Raise(memory.FaultContract, "new instance", 0, "%s is an array class", c.Name())
	}
	mirror, err := m.mirrorFor(c)
	if err != nil {
		return nil, err
	}
	b, err := m.allocate(m.ValueBaseOffset()+c.InstanceFootprint(), mirror.Address())
	if err != nil {
		return nil, fmt.Errorf("allocating %s: %w", c.Name(), err)
	}
	return b, nil
}

// NewArray allocates a zeroed array of length elements of c's component
// type. length must be non-negative; range checks against guest limits are
// the caller's concern.
func (m *ObjectModel) NewArray(c ClassDescriptor, length int) (*Array, error) {
	comp := c.ComponentType()
	if comp == TypeVoid {
		memory.Raise(memory.FaultContract, "new array", 0, "%s is not an array class", c.Name())
	}
	if length < 0 {
		memory.Raise(memory.FaultContract, "new array", 0, "negative length %d", length)
	}
	mirror, err := m.mirrorFor(c)
	if err != nil {
		return nil, err
	}

	elem := SizeOfType(comp)
	if length > math.MaxInt32 || length > (math.MaxInt-m.ArrayBaseOffset())/elem {
		return nil, fmt.Errorf("allocating %s[%d]: length out of range: %w", c.Name(), length, memory.ErrOutOfMemory)
	}
	size := m.ArrayBaseOffset() + length*elem
	b, err := m.allocate(size, mirror.Address())
	if err != nil {
		return nil, fmt.Errorf("allocating %s[%d]: %w", c.Name(), length, err)
	}
	b.Data().WriteInt32(m.ValueBaseOffset(), int32(length))

	arr := &Array{objectHeader: objectHeader{b}, class: c, length: int32(length)}
	m.objects.Register(arr)
	return arr, nil
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// Resolve maps a stored address to its wrapper. Address 0 and addresses with
// no live record resolve to Null.
func (m *ObjectModel) Resolve(addr memory.Address) Object {
	if addr == 0 {
		return Null
	}
	if o, ok := m.objects.Lookup(addr); ok {
		return o
	}
	return Null
}

// Lookup is Resolve without the null fallback.
func (m *ObjectModel) Lookup(addr memory.Address) (Object, bool) {
	return m.objects.Lookup(addr)
}

// ListObjects returns every live object in address order.
func (m *ObjectModel) ListObjects() []Object {
	return m.objects.All()
}

// live checks that obj may be dereferenced and returns its data.
func (m *ObjectModel) live(op string, obj Object) memory.Data {
	if IsNull(obj) {
		memory.Segfault(op, 0)
	}
	if cur, ok := m.objects.Lookup(obj.Address()); !ok || cur != obj {
		memory.Segfault(op, obj.Address())
	}
	return obj.Block().Data()
}

// ---------------------------------------------------------------------------
// Field and element access
// ---------------------------------------------------------------------------

// ReadReference reads the reference stored at off and resolves it.
func (m *ObjectModel) ReadReference(obj Object, off int) Object {
	d := m.live("read reference", obj)
	return m.Resolve(d.ReadAddress(off))
}

// WriteReference stores ref (or null) at off.
func (m *ObjectModel) WriteReference(obj Object, off int, ref Object) {
	d := m.live("write reference", obj)
	d.WriteAddress(off, RefValue(ref).Address())
}

// GetAndWriteReference stores ref at off and returns the previous referent.
func (m *ObjectModel) GetAndWriteReference(obj Object, off int, ref Object) Object {
	return m.Resolve(m.GetAndWriteValue(obj, off, RefValue(ref)).Address())
}

// ReadValue reads a value of type t at off.
func (m *ObjectModel) ReadValue(obj Object, off int, t Type) Value {
	return readValue(m.live("read", obj), off, t)
}

// WriteValue writes v at off using the width of v's type.
func (m *ObjectModel) WriteValue(obj Object, off int, v Value) {
	writeValue(m.live("write", obj), off, v)
}

// GetAndWriteValue swaps v into off and returns the old value of the same type.
func (m *ObjectModel) GetAndWriteValue(obj Object, off int, v Value) Value {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	d := m.live("get and write", obj)
	old := readValue(d, off, v.typ)
	writeValue(d, off, v)
	return old
}

// ReadElement reads element i of arr.
func (m *ObjectModel) ReadElement(arr *Array, i int) Value {
	m.checkIndex("read element", arr, i)
	return m.ReadValue(arr, m.ArrayElementOffset(arr, i), arr.class.ComponentType())
}

// WriteElement writes element i of arr. v's type must match the component.
func (m *ObjectModel) WriteElement(arr *Array, i int, v Value) {
	m.checkIndex("write element", arr, i)
	if v.typ != arr.class.ComponentType() {
		memory.Raise(memory.FaultContract, "write element", arr.Address(), "%s into %s", v.typ, arr.class.Name())
	}
	m.WriteValue(arr, m.ArrayElementOffset(arr, i), v)
}

func (m *ObjectModel) checkIndex(op string, arr *Array, i int) {
	if arr == nil {
		memory.Segfault(op, 0)
	}
	if i < 0 || i >= arr.Len() {
		memory.Raise(memory.FaultSegmentation, op, arr.Address(), "index %d outside length %d", i, arr.Len())
	}
}

// ReadArrayLength decodes the length word of an array.
func (m *ObjectModel) ReadArrayLength(obj Object) int {
	if _, ok := obj.(*Array); !ok && !IsNull(obj) {
		memory.Raise(memory.FaultContract, "array length", obj.Address(), "not an array")
	}
	return int(m.live("array length", obj).ReadInt32(m.ValueBaseOffset()))
}

// ReadClass decodes the header class pointer and resolves it to a class
// descriptor through the class mirror and the class resolver.
func (m *ObjectModel) ReadClass(obj Object) ClassDescriptor {
	d := m.live("read class", obj)
	ptr := d.ReadAddress(classPointerOffset)
	mirror, ok := m.Resolve(ptr).(*ClassMirror)
	if !ok {
		memory.Raise(memory.FaultSegmentation, "read class", ptr, "class pointer does not name a mirror")
	}
	c, ok := m.classes.Resolve(mirror.ClassID())
	if !ok {
		memory.Raise(memory.FaultSegmentation, "read class", ptr, "unknown class id %d", mirror.ClassID())
	}
	return c
}

// ClassPointer returns the raw header class pointer.
func (m *ObjectModel) ClassPointer(obj Object) memory.Address {
	return m.live("class pointer", obj).ReadAddress(classPointerOffset)
}

// ---------------------------------------------------------------------------
// Monitors
// ---------------------------------------------------------------------------

// GetMutex returns obj's monitor, assigning one on first use.
func (m *ObjectModel) GetMutex(obj Object) *Monitor {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	d := m.live("get mutex", obj)
	id := MutexID(d.ReadInt32(lockWordOffset))
	if id == UnassignedMutex {
		id = m.monitors.NewMutex()
		d.WriteInt32(lockWordOffset, int32(id))
	}
	mon := m.monitors.Get(id)
	if mon == nil {
		memory.Raise(memory.FaultSegmentation, "get mutex", obj.Address(), "lock word holds unknown mutex %d", id)
	}
	return mon
}

// LockWord returns the raw lock word.
func (m *ObjectModel) LockWord(obj Object) MutexID {
	return MutexID(m.live("lock word", obj).ReadInt32(lockWordOffset))
}

// ---------------------------------------------------------------------------
// Collector support
// ---------------------------------------------------------------------------

// MarkState reads the collector mark byte of obj.
func (m *ObjectModel) MarkState(obj Object) MarkState {
	if m.reserved == 0 {
		return MarkNone
	}
	return MarkState(obj.Block().Data().ReadUint8(markOffset))
}

// SetMarkState writes the collector mark byte of obj.
func (m *ObjectModel) SetMarkState(obj Object, s MarkState) {
	if m.reserved == 0 {
		memory.Raise(memory.FaultContract, "set mark", obj.Address(), "collector reserves no header bytes")
	}
	obj.Block().Data().WriteUint8(markOffset, uint8(s))
}

// Free releases obj's block, record and monitor. It returns the number of
// bytes released.
func (m *ObjectModel) Free(obj Object) int {
	addr := obj.Address()
	if m.objects.Unregister(addr) == nil {
		memory.Segfault("free", addr)
	}
	n := obj.Block().Len()
	if id := MutexID(obj.Block().Data().ReadInt32(lockWordOffset)); id != UnassignedMutex {
		m.monitors.Remove(id)
	}
	if mirror, ok := obj.(*ClassMirror); ok {
		if cur, ok := mirror.represents.Mirror().(*ClassMirror); ok && cur == mirror {
			mirror.represents.SetMirror(nil)
		}
	}
	m.alloc.FreeHeap(addr)
	return n
}

// BeginCollection forbids allocation until EndCollection.
func (m *ObjectModel) BeginCollection() {
	m.collecting.Store(true)
}

// EndCollection re-enables allocation.
func (m *ObjectModel) EndCollection() {
	m.collecting.Store(false)
}

// AllocatedBytes returns bytes allocated since the last ResetAllocated.
func (m *ObjectModel) AllocatedBytes() int64 {
	return m.allocated.Load()
}

// ResetAllocated zeroes the allocation counter and returns its old value.
func (m *ObjectModel) ResetAllocated() int64 {
	return m.allocated.Swap(0)
}
