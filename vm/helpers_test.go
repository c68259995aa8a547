package vm

import (
	"testing"

	"github.com/chazu/kettle/vm/memory"
)

func expectFault(t *testing.T, kind memory.FaultKind, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		f := memory.RecoverFault(recover())
		if f == nil {
			t.Fatalf("expected %s, got no fault", kind)
		}
		if f.Kind != kind {
			t.Fatalf("expected %s, got %v", kind, f)
		}
	}()
	fn()
}

func newTestVM(t *testing.T, collector string) *VM {
	t.Helper()
	vm, err := NewVM(Config{Collector: collector, ArenaSize: 64 << 10})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(vm.Shutdown)
	return vm
}

// nodeClass defines a class with one reference field "next" and one int
// field "value".
func nodeClass(t *testing.T, vm *VM) *Class {
	t.Helper()
	c, err := vm.DefineClass(NewClassBuilder("test/Node", vm.ObjectClass).
		Field("next", TypeReference).
		Field("value", TypeInt).
		Build(), BootstrapLoader)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	return c
}

func fieldOffset(t *testing.T, vm *VM, c *Class, name string) int {
	t.Helper()
	f, ok := c.FieldOffset(name)
	if !ok {
		t.Fatalf("%s has no field %s", c.Name(), name)
	}
	return vm.Model.FieldOffset(f)
}
