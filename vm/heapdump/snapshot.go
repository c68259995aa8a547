// Package heapdump captures the live object graph of a VM for offline
// inspection: a snapshot model, a canonical CBOR codec and a SQLite store.
package heapdump

import (
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/kettle/vm"
	"github.com/chazu/kettle/vm/memory"
)

var log = commonlog.GetLogger("kettle.heapdump")

// ObjectEntry describes one live object.
type ObjectEntry struct {
	Address    uint64   `cbor:"1,keyasint"`
	Kind       string   `cbor:"2,keyasint"`
	Class      string   `cbor:"3,keyasint"`
	Size       int      `cbor:"4,keyasint"`
	Mark       string   `cbor:"5,keyasint"`
	References []uint64 `cbor:"6,keyasint,omitempty"` // non-null outgoing references
	Length     int      `cbor:"7,keyasint,omitempty"` // arrays only
}

// Snapshot is the heap at one instant.
type Snapshot struct {
	ID        string        `cbor:"1,keyasint"`
	TakenAt   time.Time     `cbor:"2,keyasint"`
	Collector string        `cbor:"3,keyasint"`
	HeapBytes int64         `cbor:"4,keyasint"`
	Objects   []ObjectEntry `cbor:"5,keyasint"`
}

// Bytes returns the total size of the objects in the snapshot.
func (s *Snapshot) Bytes() int64 {
	var n int64
	for _, e := range s.Objects {
		n += int64(e.Size)
	}
	return n
}

// Find returns the entry at addr.
func (s *Snapshot) Find(addr memory.Address) (ObjectEntry, bool) {
	for _, e := range s.Objects {
		if e.Address == uint64(addr) {
			return e, true
		}
	}
	return ObjectEntry{}, false
}

// Take walks every live object of model in address order. No mutator may
// run while it does; Capture arranges that through the safepoint.
func Take(model *vm.ObjectModel, collector vm.Collector) *Snapshot {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		TakenAt:   time.Now().UTC(),
		Collector: collector.Name(),
		HeapBytes: model.Allocator().Stats().HeapBytes,
	}
	objects := model.ListObjects()
	snap.Objects = make([]ObjectEntry, 0, len(objects))
	for _, o := range objects {
		snap.Objects = append(snap.Objects, entryFor(model, o))
	}
	log.Debugf("snapshot %s: %d objects", snap.ID, len(snap.Objects))
	return snap
}

// Capture stops the world of v, takes a snapshot and resumes.
func Capture(v *vm.VM) *Snapshot {
	sp := v.Threads.Safepoint()
	sp.Request(nil)
	defer sp.Release()
	return Take(v.Model, v.Collector)
}

func entryFor(model *vm.ObjectModel, o vm.Object) ObjectEntry {
	e := ObjectEntry{
		Address: uint64(o.Address()),
		Kind:    o.Kind().String(),
		Class:   model.ReadClass(o).Name(),
		Size:    o.Block().Len(),
		Mark:    model.MarkState(o).String(),
	}
	ref := func(off int) {
		if a := model.ReadValue(o, off, vm.TypeReference).Address(); a != 0 {
			e.References = append(e.References, uint64(a))
		}
	}
	fields := func(c vm.ClassDescriptor) {
		base := model.ValueBaseOffset()
		for cur := c; cur != nil; cur = cur.Super() {
			for _, off := range cur.ReferenceFields() {
				ref(base + off)
			}
		}
	}

	switch obj := o.(type) {
	case *vm.Array:
		e.Length = obj.Len()
		if obj.Class().ComponentType() == vm.TypeReference {
			for i := 0; i < obj.Len(); i++ {
				ref(model.ArrayElementOffset(obj, i))
			}
		}
	case *vm.ClassMirror:
		if jlc := model.ClassOfClasses(); jlc != nil {
			fields(jlc)
			static := model.StaticBaseOffset()
			for _, off := range obj.Represents().StaticReferenceFields() {
				ref(static + off)
			}
		}
	case *vm.NativeBox:
		fields(obj.Class())
	case *vm.Instance:
		fields(obj.Class())
	}
	return e
}
