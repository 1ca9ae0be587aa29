// Package foreign maps logical runtime-call names to the address, calling
// convention and transition semantics generated code needs to reach them.
package foreign

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// Transition says whether a call may reach a safepoint.
type Transition uint8

const (
	// Leaf calls never safepoint, allocate or throw.
	Leaf Transition = iota
	// NotLeaf calls may do all three; the caller publishes its frame first.
	NotLeaf
)

func (t Transition) String() string {
	if t == NotLeaf {
		return "NOT_LEAF"
	}
	return "LEAF"
}

// Reexecutability says whether a call has no visible side effects and can be
// repeated after deoptimization.
type Reexecutability uint8

const (
	Reexecutable Reexecutability = iota
	NotReexecutable
)

func (r Reexecutability) String() string {
	if r == NotReexecutable {
		return "NOT_REEXECUTABLE"
	}
	return "REEXECUTABLE"
}

// LocationIdentity names a memory region a call may write.
type LocationIdentity string

const (
	AnyLocation          LocationIdentity = "any"
	InitLocation         LocationIdentity = "init"
	PendingExceptionSlot LocationIdentity = "pending_exception"
)

// Descriptor is the signature of a foreign call.
type Descriptor struct {
	Name   string
	Result meta.Kind
	Args   []meta.Kind
}

func (d Descriptor) String() string {
	args := make([]string, len(d.Args))
	for i, k := range d.Args {
		args[i] = k.String()
	}
	return fmt.Sprintf("%s %s(%s)", d.Result, d.Name, strings.Join(args, ", "))
}

// Options are the linkage attributes beyond address and descriptor.
type Options struct {
	Convention         target.ConventionType
	PreservesRegisters bool
	Transition         Transition
	Reexecutability    Reexecutability
	Touches            []LocationIdentity
}

// Linkage is a registered foreign call. It is immutable once registered.
type Linkage struct {
	Descriptor
	Address            uintptr
	Convention         target.CallingConvention
	PreservesRegisters bool
	Transition         Transition
	Reexecutability    Reexecutability
	Touches            []LocationIdentity
}

// Symbol is the relocation name call sites use for this linkage.
func (l *Linkage) Symbol() string { return l.Name }

// NeedsRuntimePrologue reports whether the caller must publish its frame
// anchor around the call.
func (l *Linkage) NeedsRuntimePrologue() bool { return l.Transition == NotLeaf }

// DestroysRegisters reports whether values live across the call must be
// spilled.
func (l *Linkage) DestroysRegisters() bool { return !l.PreservesRegisters }

// KillsAnyLocation reports whether the call may write arbitrary memory.
func (l *Linkage) KillsAnyLocation() bool {
	for _, id := range l.Touches {
		if id == AnyLocation {
			return true
		}
	}
	return false
}

func (l *Linkage) String() string {
	return fmt.Sprintf("%s @%#x %s %s", l.Descriptor, l.Address, l.Transition, l.Reexecutability)
}
