package vm

import (
	"time"

	"github.com/google/uuid"

	"github.com/chazu/kettle/vm/memory"
)

// Noop is a collector that never reclaims anything. It reserves no header
// bytes, so objects it manages carry no mark byte.
type Noop struct {
	handles *handleTable
	model   *ObjectModel
}

// NewNoop creates a non-reclaiming collector. model may be nil; when set,
// Invoke reports the live object count.
func NewNoop(model *ObjectModel) *Noop {
	return &Noop{handles: newHandleTable(true), model: model}
}

func (n *Noop) Name() string { return "none" }

func (n *Noop) ReservedHeaderSize() int { return 0 }

func (n *Noop) MakeHandle(obj Object) *Handle { return n.handles.acquire(obj) }

func (n *Noop) GetHandle(obj Object) *Handle { return n.handles.get(obj) }

// MakeGlobalReference only checks obj; everything is already permanent.
func (n *Noop) MakeGlobalReference(obj Object) {
	if IsNull(obj) {
		memory.Segfault("make global reference", 0)
	}
}

// Invoke does no work.
func (n *Noop) Invoke(caller *Thread) (*GCStats, error) {
	stats := &GCStats{
		Cycle:     uuid.New(),
		Collector: n.Name(),
		Timestamp: time.Now(),
	}
	if n.model != nil {
		stats.Live = n.model.Objects().Len()
	}
	gcLog.Debugf("gc %s: noop collector, %d live", stats.Cycle, stats.Live)
	return stats, nil
}
