package lock

import (
	"errors"
	"fmt"

	"github.com/tern-db/tern/internal/storage"
)

// Lock manager errors.
var (
	ErrLockTimeout = errors.New("lock wait timed out")
	ErrAborted     = errors.New("lock wait interrupted by transaction abort")
)

// Mode is a lock mode. Intention modes are taken on class units to
// announce finer-grained locks on objects of that class.
type Mode uint8

const (
	// IntentShared announces Shared locks on objects of the class.
	IntentShared Mode = iota

	// IntentExclusive announces Exclusive locks on objects of the class.
	IntentExclusive

	// Shared allows concurrent readers.
	Shared

	// Exclusive allows a single writer.
	Exclusive
)

// String returns the conventional short name of the mode.
func (m Mode) String() string {
	switch m {
	case IntentShared:
		return "IS"
	case IntentExclusive:
		return "IX"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// compatible reports whether a lock in mode a can coexist with a lock
// in mode b held by a different transaction. The relation is
// symmetric.
func compatible(a, b Mode) bool {
	switch a {
	case IntentShared:
		return b != Exclusive
	case IntentExclusive:
		return b == IntentShared || b == IntentExclusive
	case Shared:
		return b == IntentShared || b == Shared
	default:
		return false
	}
}

// covers reports whether holding held already satisfies a request for
// want.
func covers(held, want Mode) bool {
	if held == want || held == Exclusive {
		return true
	}
	switch held {
	case Shared, IntentExclusive:
		return want == IntentShared
	default:
		return false
	}
}

// merged returns the weakest mode that covers both a and b. Shared
// plus IntentExclusive has no exact merge in this lattice; the result
// is Exclusive.
func merged(a, b Mode) Mode {
	if covers(a, b) {
		return a
	}
	if covers(b, a) {
		return b
	}
	return Exclusive
}

// Unit names one lockable thing: an object of a class, or with the
// nil OID the class itself.
type Unit struct {
	Class  uint32
	Object storage.OID
}

// ObjectUnit returns the unit locking a single object of class.
func ObjectUnit(class uint32, oid storage.OID) Unit {
	return Unit{Class: class, Object: oid}
}

// ClassUnit returns the unit locking an entire class.
func ClassUnit(class uint32) Unit {
	return Unit{Class: class}
}

// IsClass reports whether the unit names a whole class.
func (u Unit) IsClass() bool {
	return u.Object.IsNil()
}

// String returns "class(N)" for class units and "N/vol:page:slot"
// for object units.
func (u Unit) String() string {
	if u.IsClass() {
		return fmt.Sprintf("class(%d)", u.Class)
	}
	return fmt.Sprintf("%d/%s", u.Class, u.Object)
}
