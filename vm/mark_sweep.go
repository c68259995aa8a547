package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/kettle/vm/memory"
)

// MarkSweepHeaderBytes is the header space the mark-sweep collector reserves:
// one mark byte per object.
const MarkSweepHeaderBytes = 1

// ---------------------------------------------------------------------------
// MarkSweep: stop-the-world tracing collector
// ---------------------------------------------------------------------------

// MarkSweep is a non-moving, stop-the-world mark-and-sweep collector over the
// object model's records. Roots are every loaded class's mirror (and thereby
// its statics), primitive class mirrors and their array-class chains, every
// live slot of every attached thread, pending frame results, pinned handles,
// and permanently marked objects.
type MarkSweep struct {
	model   *ObjectModel
	loaders LoaderRegistry
	threads *ThreadRegistry
	weak    *WeakRegistry
	handles *handleTable

	mu     sync.Mutex
	cycles atomic.Uint64
	last   atomic.Pointer[GCStats]
}

// NewMarkSweep creates a collector. model must have been created with at
// least MarkSweepHeaderBytes reserved header bytes. weak may be nil.
func NewMarkSweep(model *ObjectModel, loaders LoaderRegistry, threads *ThreadRegistry, weak *WeakRegistry) *MarkSweep {
	if model.ReservedHeaderSize() < MarkSweepHeaderBytes {
		memory.Raise(memory.FaultContract, "new mark-sweep", 0, "object model reserves %d header bytes, need %d", model.ReservedHeaderSize(), MarkSweepHeaderBytes)
	}
	return &MarkSweep{
		model:   model,
		loaders: loaders,
		threads: threads,
		weak:    weak,
		handles: newHandleTable(false),
	}
}

func (ms *MarkSweep) Name() string { return "mark-sweep" }

func (ms *MarkSweep) ReservedHeaderSize() int { return MarkSweepHeaderBytes }

func (ms *MarkSweep) MakeHandle(obj Object) *Handle { return ms.handles.acquire(obj) }

func (ms *MarkSweep) GetHandle(obj Object) *Handle { return ms.handles.get(obj) }

// HandleCount returns the number of live handles.
func (ms *MarkSweep) HandleCount() int { return ms.handles.size() }

// MakeGlobalReference marks obj permanent. It survives every later cycle.
func (ms *MarkSweep) MakeGlobalReference(obj Object) {
	if IsNull(obj) {
		memory.Segfault("make global reference", 0)
	}
	if _, ok := ms.model.Lookup(obj.Address()); !ok {
		memory.Segfault("make global reference", obj.Address())
	}
	ms.model.SetMarkState(obj, MarkPermanent)
}

// Cycles returns the number of completed collections.
func (ms *MarkSweep) Cycles() uint64 { return ms.cycles.Load() }

// LastStats returns the most recent cycle's statistics, or nil.
func (ms *MarkSweep) LastStats() *GCStats { return ms.last.Load() }

// Invoke runs one full collection: stop the world, mark from roots, re-scan
// permanent objects, clear weak references, sweep, resume.
func (ms *MarkSweep) Invoke(caller *Thread) (*GCStats, error) {
	if caller != nil && !ms.threads.Owns(caller) {
		return nil, ErrForeignThread
	}

	// The safepoint serializes collectors and parks a running caller while
	// another one works, so it is entered before mu.
	start := time.Now()
	sp := ms.threads.Safepoint()
	stats, finalize := func() (*GCStats, func()) {
		sp.Request(caller)
		defer sp.Release()
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.collect(start)
	}()

	if finalize != nil {
		finalize()
	}
	return stats, nil
}

// collect runs one cycle with the world stopped. The returned function runs
// weak-reference finalizers and must be called after the world resumes.
func (ms *MarkSweep) collect(start time.Time) (*GCStats, func()) {
	ms.model.BeginCollection()
	defer ms.model.EndCollection()

	stats := &GCStats{
		Cycle:     uuid.New(),
		Collector: ms.Name(),
		Pause:     time.Since(start),
		Timestamp: start,
	}

	mk := &marker{model: ms.model, traced: make(map[memory.Address]struct{})}
	stats.Roots = ms.seedRoots(mk)
	mk.drain()

	// Objects pinned permanent after roots were seeded.
	objects := ms.model.ListObjects()
	for _, o := range objects {
		if ms.model.MarkState(o) == MarkPermanent {
			mk.mark(o)
		}
	}
	mk.drain()

	var finalize func()
	if ms.weak != nil {
		stats.WeakCleared, finalize = ms.weak.ProcessGC(func(addr memory.Address) bool {
			o, ok := ms.model.Lookup(addr)
			return ok && ms.model.MarkState(o) != MarkNone
		})
	}

	for _, o := range objects {
		switch ms.model.MarkState(o) {
		case MarkNone:
			stats.FreedBytes += int64(ms.model.Free(o))
			stats.Freed++
		case MarkMarked:
			ms.model.SetMarkState(o, MarkNone)
			stats.Marked++
			stats.Live++
		case MarkPermanent:
			stats.Permanent++
			stats.Live++
		}
	}
	ms.model.ResetAllocated()

	stats.Duration = time.Since(start)
	ms.cycles.Add(1)
	ms.last.Store(stats)

	gcLog.Infof("gc %s: %d roots, %d live (%d permanent), freed %d objects (%d bytes), pause %s, total %s",
		stats.Cycle, stats.Roots, stats.Live, stats.Permanent, stats.Freed, stats.FreedBytes, stats.Pause, stats.Duration)
	return stats, finalize
}

// seedRoots marks every root and returns how many root references it saw.
func (ms *MarkSweep) seedRoots(mk *marker) int {
	roots := 0
	root := func(o Object) {
		if !IsNull(o) {
			roots++
			mk.mark(o)
		}
	}
	rootAddress := func(a memory.Address) {
		if o, ok := ms.model.Lookup(a); ok {
			roots++
			mk.mark(o)
		}
	}

	if jlc := ms.model.ClassOfClasses(); jlc != nil {
		root(jlc.Mirror())
	}
	if ms.loaders != nil {
		for _, loader := range ms.loaders.Loaders() {
			for _, c := range loader.Classes() {
				root(c.Mirror())
			}
		}
		for _, p := range ms.loaders.Primitives() {
			root(p.Mirror())
			for a := p.ArrayClass(); a != nil; a = a.ArrayClass() {
				root(a.Mirror())
			}
		}
	}

	for _, t := range ms.threads.Threads() {
		if t.Storage() != nil {
			t.Storage().ScanSlots(func(slot uint64) {
				rootAddress(memory.Address(slot))
			})
		}
		for _, v := range t.PendingResults() {
			if v.Type() == TypeReference {
				rootAddress(v.Address())
			}
		}
	}

	for _, o := range ms.handles.pinned() {
		root(o)
	}
	return roots
}

// ---------------------------------------------------------------------------
// marker: worklist tracing
// ---------------------------------------------------------------------------

type marker struct {
	model *ObjectModel
	work  []Object

	// permanent objects already queued this cycle; their mark byte cannot
	// record it
	traced map[memory.Address]struct{}
}

func (mk *marker) mark(o Object) {
	if IsNull(o) {
		return
	}
	switch mk.model.MarkState(o) {
	case MarkNone:
		mk.model.SetMarkState(o, MarkMarked)
		mk.work = append(mk.work, o)
	case MarkPermanent:
		if _, seen := mk.traced[o.Address()]; !seen {
			mk.traced[o.Address()] = struct{}{}
			mk.work = append(mk.work, o)
		}
	}
}

func (mk *marker) markAddress(a memory.Address) {
	if a == 0 {
		return
	}
	if o, ok := mk.model.Lookup(a); ok {
		mk.mark(o)
	}
}

func (mk *marker) drain() {
	for len(mk.work) > 0 {
		k := len(mk.work) - 1
		o := mk.work[k]
		mk.work[k] = nil
		mk.work = mk.work[:k]
		mk.trace(o)
	}
}

func (mk *marker) trace(o Object) {
	m := mk.model
	d := o.Block().Data()
	mk.markAddress(d.ReadAddress(classPointerOffset))

	switch obj := o.(type) {
	case *Array:
		if obj.class.ComponentType() != TypeReference {
			return
		}
		base := m.ArrayBaseOffset()
		for i := 0; i < obj.Len(); i++ {
			mk.markAddress(d.ReadAddress(base + i*pointerSize))
		}
	case *ClassMirror:
		if jlc := m.ClassOfClasses(); jlc != nil {
			mk.traceFields(d, jlc)
			static := m.StaticBaseOffset()
			for _, off := range obj.represents.StaticReferenceFields() {
				mk.markAddress(d.ReadAddress(static + off))
			}
		}
	case *NativeBox:
		mk.traceFields(d, obj.class)
	case *Instance:
		mk.traceFields(d, obj.class)
	}
}

// traceFields marks the reference fields declared by c and every superclass.
func (mk *marker) traceFields(d memory.Data, c ClassDescriptor) {
	base := mk.model.ValueBaseOffset()
	for cur := c; cur != nil; cur = cur.Super() {
		for _, off := range cur.ReferenceFields() {
			mk.markAddress(d.ReadAddress(base + off))
		}
	}
}
