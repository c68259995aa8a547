package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/kettle/vm/memory"
)

// Collector names accepted by Config.
const (
	CollectorMarkSweep = "mark-sweep"
	CollectorNone      = "none"
)

// ErrUnknownCollector is returned by NewVM for an unrecognized collector name.
var ErrUnknownCollector = errors.New("unknown collector")

// Config holds the knobs of a VM. The zero value selects the defaults.
type Config struct {
	MaxBlock  int   // per-block ceiling; 0 means memory.DefaultMaxBlock
	Limit     int64 // total live bytes; 0 means unlimited
	ArenaSize int   // per-thread arena; 0 means DefaultArenaSize
	PoolSize  int   // pooled stack/locals wrappers; 0 means DefaultPoolSize

	Collector string        // "mark-sweep" (default) or "none"
	Interval  time.Duration // periodic collection; 0 disables the scheduler
}

// ---------------------------------------------------------------------------
// VM: the memory core, wired
// ---------------------------------------------------------------------------

// VM wires an allocator, class table, object model, thread registry and
// collector together and bootstraps the core classes.
type VM struct {
	Allocator *memory.Allocator
	Classes   *ClassTable
	Monitors  *MonitorTable
	Model     *ObjectModel
	Threads   *ThreadRegistry
	Weak      *WeakRegistry
	Collector Collector

	// Scheduler is nil unless Config.Interval is positive.
	Scheduler *Scheduler

	// Well-known classes
	ObjectClass *Class
	ClassClass  *Class

	config Config
}

// NewVM creates and bootstraps a VM.
func NewVM(cfg Config) (*VM, error) {
	if cfg.Collector == "" {
		cfg.Collector = CollectorMarkSweep
	}

	var reserved int
	switch cfg.Collector {
	case CollectorMarkSweep:
		reserved = MarkSweepHeaderBytes
	case CollectorNone:
		reserved = 0
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollector, cfg.Collector)
	}

	vm := &VM{
		Allocator: memory.NewAllocator(memory.Options{MaxBlock: cfg.MaxBlock, Limit: cfg.Limit}),
		Classes:   NewClassTable(),
		Monitors:  NewMonitorTable(),
		Threads:   NewThreadRegistry(),
		Weak:      NewWeakRegistry(),
		config:    cfg,
	}
	vm.Model = NewObjectModel(vm.Allocator, vm.Classes, vm.Monitors, reserved)

	switch cfg.Collector {
	case CollectorMarkSweep:
		vm.Collector = NewMarkSweep(vm.Model, vm.Classes, vm.Threads, vm.Weak)
	case CollectorNone:
		vm.Collector = NewNoop(vm.Model)
	}

	if err := vm.bootstrap(); err != nil {
		return nil, err
	}

	if cfg.Interval > 0 {
		vm.Scheduler = NewScheduler(vm.Collector, cfg.Interval)
		vm.Scheduler.Start()
	}
	return vm, nil
}

// ---------------------------------------------------------------------------
// Bootstrap: core classes and their mirrors
// ---------------------------------------------------------------------------

func (vm *VM) bootstrap() error {
	// Object and Class first; Class's mirror describes itself.
	vm.ObjectClass = vm.Classes.MustDefine(NewClassBuilder("java/lang/Object", nil).Build(), BootstrapLoader)
	vm.ClassClass = vm.Classes.MustDefine(
		NewClassBuilder("java/lang/Class", vm.ObjectClass).
			Field("name", TypeReference).
			Field("classLoader", TypeReference).
			Field("componentType", TypeReference).
			Field("modifiers", TypeInt).
			Build(),
		BootstrapLoader)

	if _, err := vm.Model.NewJavaLangClass(vm.ClassClass); err != nil {
		return err
	}
	if _, err := vm.Model.NewClassOop(vm.ObjectClass); err != nil {
		return err
	}
	for _, p := range vm.Classes.Primitives() {
		if _, err := vm.Model.NewClassOop(p); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the configuration the VM was created with, defaults applied.
func (vm *VM) Config() Config {
	return vm.config
}

// DefineClass defines c in loader and allocates its mirror.
func (vm *VM) DefineClass(c *Class, loader string) (*Class, error) {
	c, err := vm.Classes.Define(c, loader)
	if err != nil {
		return nil, err
	}
	if _, err := vm.Model.NewClassOop(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ArrayOf returns the array class of c with its mirror allocated.
func (vm *VM) ArrayOf(c *Class) (*Class, error) {
	arr := vm.Classes.ArrayOf(c)
	if _, err := vm.Model.NewClassOop(arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// NewThread creates execution storage and attaches a running thread.
func (vm *VM) NewThread(name string) (*Thread, error) {
	storage, err := NewThreadStorage(vm.Model, vm.config.ArenaSize, vm.config.PoolSize)
	if err != nil {
		return nil, err
	}
	return vm.Threads.Attach(name, storage), nil
}

// Collect runs one collection on behalf of caller (nil outside any thread).
func (vm *VM) Collect(caller *Thread) (*GCStats, error) {
	return vm.Collector.Invoke(caller)
}

// Shutdown stops the periodic scheduler, if any. Threads still attached are
// left to their owners.
func (vm *VM) Shutdown() {
	if vm.Scheduler != nil {
		vm.Scheduler.Stop()
	}
	gcLog.Debugf("vm shut down with %d live objects", vm.Model.Objects().Len())
}
