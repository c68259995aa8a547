package vm

import (
	"fmt"
	"sync"

	"github.com/chazu/kettle/vm/memory"
)

// ObjectKind distinguishes the typed wrappers kept in the object table.
type ObjectKind uint8

const (
	KindNull ObjectKind = iota
	KindInstance
	KindArray
	KindNative
	KindMirror
)

func (k ObjectKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInstance:
		return "instance"
	case KindArray:
		return "array"
	case KindNative:
		return "native"
	case KindMirror:
		return "mirror"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Object is a typed wrapper around a heap block holding a guest object.
// Exactly one wrapper exists per live address; wrappers compare by identity.
type Object interface {
	Address() memory.Address
	Block() *memory.Block
	Kind() ObjectKind
}

// ---------------------------------------------------------------------------
// Null
// ---------------------------------------------------------------------------

type nullObject struct{}

func (nullObject) Address() memory.Address { return 0 }
func (nullObject) Block() *memory.Block    { return memory.EmptyHeapBlock() }
func (nullObject) Kind() ObjectKind        { return KindNull }
func (nullObject) String() string          { return "null" }

// Null is the null object. It is backed by the empty heap block and is never
// present in the object table.
var Null Object = &nullObject{}

// IsNull reports whether o is the null object. The check is by identity;
// a Go nil interface is treated as null too.
func IsNull(o Object) bool {
	return o == nil || o == Null
}

// ---------------------------------------------------------------------------
// Wrappers
// ---------------------------------------------------------------------------

type objectHeader struct {
	block *memory.Block
}

func (h objectHeader) Address() memory.Address { return h.block.Address() }
func (h objectHeader) Block() *memory.Block    { return h.block }

// Data returns the object's backing bytes, header included.
func (h objectHeader) Data() memory.Data { return h.block.Data() }

// Instance is an ordinary object of a non-array class.
type Instance struct {
	objectHeader
	class ClassDescriptor
}

func (o *Instance) Kind() ObjectKind { return KindInstance }

// Class returns the class the instance was allocated with.
func (o *Instance) Class() ClassDescriptor { return o.class }

func (o *Instance) String() string {
	return fmt.Sprintf("%s@%s", o.class.Name(), o.Address())
}

// Array is an array object. Its length is fixed at allocation.
type Array struct {
	objectHeader
	class  ClassDescriptor
	length int32
}

func (o *Array) Kind() ObjectKind { return KindArray }

// Class returns the array class.
func (o *Array) Class() ClassDescriptor { return o.class }

// Len returns the element count.
func (o *Array) Len() int { return int(o.length) }

func (o *Array) String() string {
	return fmt.Sprintf("%s[%d]@%s", o.class.Name(), o.length, o.Address())
}

// NativeBox is an instance that additionally carries a host value, used for
// objects whose state lives outside simulated memory (file handles, sockets).
type NativeBox struct {
	Instance
	mu    sync.RWMutex
	value any
}

func (o *NativeBox) Kind() ObjectKind { return KindNative }

// Value returns the boxed host value.
func (o *NativeBox) Value() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// SetValue replaces the boxed host value.
func (o *NativeBox) SetValue(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
}

// ClassMirror is the guest-visible object for a class. Its data holds the
// class-of-classes' own instance fields followed by the static fields of the
// class it represents.
type ClassMirror struct {
	objectHeader
	represents ClassDescriptor
}

func (o *ClassMirror) Kind() ObjectKind { return KindMirror }

// Represents returns the class this mirror stands for.
func (o *ClassMirror) Represents() ClassDescriptor { return o.represents }

// ClassID returns the id of the represented class.
func (o *ClassMirror) ClassID() ClassID { return o.represents.ID() }

func (o *ClassMirror) String() string {
	return fmt.Sprintf("class %s@%s", o.represents.Name(), o.Address())
}
