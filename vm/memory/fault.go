package memory

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Errors and faults
// ---------------------------------------------------------------------------

// ErrOutOfMemory is returned when an allocation request cannot be satisfied.
// It is the only recoverable memory condition; callers translate it into
// whatever the guest language uses to signal exhaustion.
var ErrOutOfMemory = errors.New("out of memory")

// FaultKind classifies an unrecoverable memory fault.
type FaultKind uint8

const (
	// FaultSegmentation is an access through the null object or through a
	// freed or unknown address.
	FaultSegmentation FaultKind = iota + 1

	// FaultContract is a caller bug: releasing a handle too often, releasing
	// storage out of LIFO order, stack underflow, allocating mid-collection.
	FaultContract

	// FaultUnsupported is an operation the allocator refuses outright.
	FaultUnsupported
)

func (k FaultKind) String() string {
	switch k {
	case FaultSegmentation:
		return "segmentation fault"
	case FaultContract:
		return "contract violation"
	case FaultUnsupported:
		return "unsupported operation"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// Fault describes an interpreter-level bug. Faults are raised with panic and
// are distinct from the guest language's exception hierarchy; they are never
// returned as ordinary errors.
type Fault struct {
	Kind    FaultKind
	Op      string
	Address Address
	Detail  string
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s in %s", f.Kind, f.Op)
	if f.Address != 0 {
		msg += fmt.Sprintf(" at %s", f.Address)
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	return msg
}

// Raise panics with a fault of the given kind.
func Raise(kind FaultKind, op string, addr Address, format string, args ...any) {
	panic(&Fault{
		Kind:    kind,
		Op:      op,
		Address: addr,
		Detail:  fmt.Sprintf(format, args...),
	})
}

// Segfault panics with a segmentation fault for op at addr.
func Segfault(op string, addr Address) {
	panic(&Fault{Kind: FaultSegmentation, Op: op, Address: addr})
}

// RecoverFault converts a recovered panic value into a *Fault. Panics that
// are not faults are re-raised. Intended for use at thread boundaries:
//
//	defer func() {
//		if f := memory.RecoverFault(recover()); f != nil {
//			// report and terminate the thread
//		}
//	}()
func RecoverFault(r any) *Fault {
	if r == nil {
		return nil
	}
	if f, ok := r.(*Fault); ok {
		return f
	}
	panic(r)
}

// IsFault reports whether err is a fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}
