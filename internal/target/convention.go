package target

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/meta"
)

// ConventionType selects the parameter register lists.
type ConventionType uint8

const (
	// ConventionManagedCall is the managed convention seen by a caller.
	ConventionManagedCall ConventionType = iota
	// ConventionManagedCallee is the managed convention seen by the callee.
	ConventionManagedCallee
	// ConventionNativeCall is the platform C convention.
	ConventionNativeCall
)

func (ct ConventionType) String() string {
	switch ct {
	case ConventionManagedCall:
		return "ManagedCall"
	case ConventionManagedCallee:
		return "ManagedCallee"
	case ConventionNativeCall:
		return "NativeCall"
	}
	return fmt.Sprintf("convention(%d)", uint8(ct))
}

type LocationKind uint8

const (
	LocationNone LocationKind = iota
	LocationRegister
	LocationStack
)

// Location is where one argument or the return value lives.
type Location struct {
	Kind     LocationKind
	Register Register
	// Offset is the byte offset into the outgoing argument area.
	Offset    int
	ValueKind meta.Kind
}

func (l Location) IsRegister() bool { return l.Kind == LocationRegister }

func (l Location) IsStack() bool { return l.Kind == LocationStack }

func (l Location) String() string {
	switch l.Kind {
	case LocationRegister:
		return fmt.Sprintf("%s:%s", l.Register, l.ValueKind)
	case LocationStack:
		return fmt.Sprintf("stack+%d:%s", l.Offset, l.ValueKind)
	}
	return "none"
}

// CallingConvention is the placement of a call's arguments and result.
type CallingConvention struct {
	Type      ConventionType
	Arguments []Location
	Return    Location
	// StackSize is the number of bytes of outgoing stack arguments.
	StackSize int
}

func (cc CallingConvention) String() string {
	parts := make([]string, len(cc.Arguments))
	for i, a := range cc.Arguments {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s) -> %s [stack %d]", cc.Type, strings.Join(parts, ", "), cc.Return, cc.StackSize)
}

// StackArguments reports whether any argument is passed in memory.
func (cc CallingConvention) StackArguments() bool {
	for _, a := range cc.Arguments {
		if a.IsStack() {
			return true
		}
	}
	return false
}

// CallingConvention places kinds in declaration order. Integer-like and
// object arguments take the convention's general parameter registers,
// floating point arguments the float registers; once a class is exhausted,
// or always when stackOnly is set, arguments go to the stack at the current
// offset, which then advances by max(size, word size). An argument kind the
// target cannot hold is fatal.
func (rc *RegisterConfig) CallingConvention(kinds []meta.Kind, ct ConventionType, stackOnly bool) CallingConvention {
	cc := CallingConvention{Type: ct, Arguments: make([]Location, len(kinds))}
	general := rc.ParameterRegisters(ct, CategoryCPU)
	float := rc.ParameterRegisters(ct, CategoryXMM)
	nextGeneral, nextFloat := 0, 0
	offset := 0

	for i, k := range kinds {
		cat, ok := CategoryFor(k)
		if !ok {
			fault.Fatalf("%s: unsupported argument kind %s in position %d", rc.name, k, i)
		}
		if !stackOnly {
			switch {
			case cat == CategoryCPU && nextGeneral < len(general):
				cc.Arguments[i] = Location{Kind: LocationRegister, Register: general[nextGeneral], ValueKind: k}
				nextGeneral++
				continue
			case cat == CategoryXMM && nextFloat < len(float):
				cc.Arguments[i] = Location{Kind: LocationRegister, Register: float[nextFloat], ValueKind: k}
				nextFloat++
				continue
			}
		}
		cc.Arguments[i] = Location{Kind: LocationStack, Offset: offset, ValueKind: k}
		size := k.ByteCount()
		if size < rc.wordSize {
			size = rc.wordSize
		}
		offset += size
	}
	cc.StackSize = offset
	return cc
}

// ReturnLocation is the fixed register for a returned kind, or no location
// for void.
func (rc *RegisterConfig) ReturnLocation(k meta.Kind) Location {
	if k == meta.KindVoid {
		return Location{}
	}
	cat, ok := CategoryFor(k)
	if !ok {
		fault.Fatalf("%s: unsupported return kind %s", rc.name, k)
	}
	reg := rc.intReturn
	if cat == CategoryXMM {
		reg = rc.floatReturn
	}
	if !reg.Valid() {
		fault.Fatalf("%s: no return register for %s", rc.name, k)
	}
	return Location{Kind: LocationRegister, Register: reg, ValueKind: k}
}

// MethodConvention is CallingConvention plus the return location of ret.
func (rc *RegisterConfig) MethodConvention(ret meta.Kind, kinds []meta.Kind, ct ConventionType, stackOnly bool) CallingConvention {
	cc := rc.CallingConvention(kinds, ct, stackOnly)
	cc.Return = rc.ReturnLocation(ret)
	return cc
}
