package vm

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/kettle/vm/memory"
)

// ---------------------------------------------------------------------------
// Safepoint: cooperative stop-the-world
// ---------------------------------------------------------------------------

// Safepoint coordinates a collector with running mutator threads. A thread
// is either running (it must reach Poll before a collection can start) or
// safe (inside Blocking, where it promises not to touch guest memory).
//
// Request blocks until every running thread other than the caller is parked
// in Poll; Release lets them continue. Threads attaching or leaving a safe
// region while a collection is in progress wait for it to finish first.
type Safepoint struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested atomic.Bool
	active    bool
	running   int
	parked    int
	epoch     uint64
}

func newSafepoint() *Safepoint {
	sp := &Safepoint{}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

// Request stops the world. caller is the thread invoking the collection, or
// nil when the collection is driven from outside any mutator.
func (sp *Safepoint) Request(caller *Thread) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	self := 0
	if caller != nil && !caller.safe {
		self = 1
	}
	// A running caller waiting on another collector has to count as parked
	// for that collector, or neither would make progress.
	for sp.active {
		if self == 1 {
			sp.parkLocked()
		} else {
			sp.cond.Wait()
		}
	}
	sp.active = true
	sp.requested.Store(true)

	for sp.parked < sp.running-self {
		sp.cond.Wait()
	}
	sp.epoch++
}

// Release resumes every parked thread.
func (sp *Safepoint) Release() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.active = false
	sp.requested.Store(false)
	sp.cond.Broadcast()
}

// Epoch counts completed stop-the-world requests.
func (sp *Safepoint) Epoch() uint64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.epoch
}

// Running returns the number of threads not in a safe region.
func (sp *Safepoint) Running() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.running
}

func (sp *Safepoint) poll(t *Thread) {
	if !sp.requested.Load() {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.parkLocked()
}

// parkLocked counts the calling thread as parked until any active
// collection finishes.
func (sp *Safepoint) parkLocked() {
	if !sp.active {
		return
	}
	sp.parked++
	sp.cond.Broadcast()
	for sp.active {
		sp.cond.Wait()
	}
	sp.parked--
}

func (sp *Safepoint) join(t *Thread) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for sp.active {
		sp.cond.Wait()
	}
	sp.running++
}

func (sp *Safepoint) leave(t *Thread) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !t.safe {
		// An exiting thread still has to stop for a collection in flight.
		sp.parkLocked()
		sp.running--
	}
	t.safe = false
	t.detached = true
	sp.cond.Broadcast()
}

func (sp *Safepoint) enterSafe(t *Thread) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if t.detached {
		memory.Raise(memory.FaultContract, "blocking", 0, "thread %d is detached", t.id)
	}
	sp.running--
	t.safe = true
	sp.cond.Broadcast()
}

func (sp *Safepoint) leaveSafe(t *Thread) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	// Detached while blocking: leave already dropped it from the count.
	if t.detached {
		return
	}
	for sp.active {
		sp.cond.Wait()
	}
	sp.running++
	t.safe = false
}
