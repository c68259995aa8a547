package vm

import (
	"testing"
	"time"
)

func TestSchedulerRunNow(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	node := nodeClass(t, vm)
	vm.Model.NewInstance(node)

	s := NewScheduler(vm.Collector, 0)
	if s.Interval() != DefaultGCInterval {
		t.Errorf("interval = %s, want %s", s.Interval(), DefaultGCInterval)
	}
	if s.LastStats() != nil {
		t.Errorf("LastStats before any run is not nil")
	}

	stats, err := s.RunNow()
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if stats.Freed != 1 {
		t.Errorf("freed = %d, want 1", stats.Freed)
	}
	if s.RunCount() != 1 || s.LastStats() != stats {
		t.Errorf("run count %d, last stats %v", s.RunCount(), s.LastStats())
	}
}

func TestSchedulerPeriodic(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	s := NewScheduler(vm.Collector, 5*time.Millisecond)
	s.Start()
	s.Start() // second start is a no-op

	deadline := time.Now().Add(5 * time.Second)
	for s.RunCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler ran %d times", s.RunCount())
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	n := s.RunCount()
	time.Sleep(20 * time.Millisecond)
	if s.RunCount() != n {
		t.Errorf("scheduler ran after Stop")
	}
}

func TestSchedulerDisabled(t *testing.T) {
	vm := newTestVM(t, CollectorMarkSweep)
	s := NewScheduler(vm.Collector, time.Millisecond)
	s.SetEnabled(false)
	if s.IsEnabled() {
		t.Fatalf("IsEnabled after SetEnabled(false)")
	}
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	if s.RunCount() != 0 {
		t.Errorf("disabled scheduler ran %d times", s.RunCount())
	}
}

func TestVMStartsScheduler(t *testing.T) {
	vm, err := NewVM(Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	defer vm.Shutdown()
	if vm.Scheduler == nil || vm.Scheduler.Interval() != time.Hour {
		t.Errorf("scheduler = %v", vm.Scheduler)
	}
}
