package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Scheduler: periodic collections
// ---------------------------------------------------------------------------

// Scheduler periodically invokes a collector from a background goroutine.
// The goroutine is not a mutator; it stops the world through the safepoint
// like any other caller.
type Scheduler struct {
	collector Collector
	interval  time.Duration
	enabled   atomic.Bool
	stop      chan struct{}
	stopped   chan struct{}
	mu        sync.Mutex // protects start/stop lifecycle

	runs      atomic.Uint64
	lastStats atomic.Pointer[GCStats]
}

// DefaultGCInterval is the default collection interval.
const DefaultGCInterval = 30 * time.Second

// NewScheduler creates a scheduler for c. A non-positive interval selects
// DefaultGCInterval.
func NewScheduler(c Collector, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	s := &Scheduler{
		collector: c,
		interval:  interval,
	}
	s.enabled.Store(true)
	return s
}

// Start begins the periodic loop. It is safe to call Start multiple times;
// only one loop will run.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	// Captured so the goroutine never reads fields Stop has nilled out.
	stopCh := s.stop
	stoppedCh := s.stopped
	go s.loop(stopCh, stoppedCh)
}

// Stop halts the loop and waits for it to finish. It is safe to call Stop
// multiple times or on a scheduler that was never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stop
	stoppedCh := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables collection. When disabled the loop keeps
// ticking but skips cycles.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// IsEnabled returns whether collection is currently enabled.
func (s *Scheduler) IsEnabled() bool {
	return s.enabled.Load()
}

// Interval returns the collection interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// RunCount returns the number of cycles the scheduler has run.
func (s *Scheduler) RunCount() uint64 {
	return s.runs.Load()
}

// LastStats returns statistics from the most recent scheduled cycle, or nil.
func (s *Scheduler) LastStats() *GCStats {
	return s.lastStats.Load()
}

// RunNow performs a collection immediately regardless of the timer.
func (s *Scheduler) RunNow() (*GCStats, error) {
	return s.run()
}

func (s *Scheduler) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.enabled.Load() {
				if _, err := s.run(); err != nil {
					gcLog.Errorf("scheduled collection: %s", err)
				}
			}
		}
	}
}

func (s *Scheduler) run() (*GCStats, error) {
	stats, err := s.collector.Invoke(nil)
	if err != nil {
		return nil, err
	}
	s.runs.Add(1)
	s.lastStats.Store(stats)
	return stats, nil
}
