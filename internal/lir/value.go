package lir

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// ValueKind is the storage class of an operand.
type ValueKind uint8

const (
	Illegal ValueKind = iota
	Variable
	Register
	Stack
	Constant
)

// Area says which part of the frame a stack operand lives in.
type Area uint8

const (
	// AreaSpill slots belong to the current frame; Offset is a slot index.
	AreaSpill Area = iota
	// AreaIncoming is the caller's outgoing argument area; Offset is bytes.
	AreaIncoming
	// AreaOutgoing is this frame's outgoing argument area; Offset is bytes.
	AreaOutgoing
)

// Value is an instruction operand. Variables are rewritten in place to
// registers or spill slots by the allocator.
type Value struct {
	Kind ValueKind
	Type meta.Kind
	// Narrow marks compressed object pointers.
	Narrow bool

	Index  int
	Reg    target.Register
	Area   Area
	Offset int
	Const  *ir.Constant
}

// IllegalValue is the absent operand.
var IllegalValue = Value{}

func Var(index int, k meta.Kind) Value {
	return Value{Kind: Variable, Type: k, Index: index}
}

func Reg(r target.Register, k meta.Kind) Value {
	return Value{Kind: Register, Type: k, Reg: r}
}

func SpillSlot(slot int, k meta.Kind) Value {
	return Value{Kind: Stack, Type: k, Area: AreaSpill, Offset: slot}
}

func IncomingArg(offset int, k meta.Kind) Value {
	return Value{Kind: Stack, Type: k, Area: AreaIncoming, Offset: offset}
}

func OutgoingArg(offset int, k meta.Kind) Value {
	return Value{Kind: Stack, Type: k, Area: AreaOutgoing, Offset: offset}
}

func Const(c *ir.Constant) Value {
	return Value{Kind: Constant, Type: c.ValueKind(), Const: c}
}

// IntConst is a shorthand for an int constant operand.
func IntConst(v int32) Value { return Const(ir.IntConstant(v)) }

func LongConst(v int64) Value { return Const(ir.LongConstant(v)) }

// FromLocation converts a calling-convention location seen by a caller.
func FromLocation(loc target.Location) Value {
	switch loc.Kind {
	case target.LocationRegister:
		return Reg(loc.Register, loc.ValueKind.StackKind())
	case target.LocationStack:
		return OutgoingArg(loc.Offset, loc.ValueKind.StackKind())
	}
	return IllegalValue
}

func (v Value) IsLegal() bool    { return v.Kind != Illegal }
func (v Value) IsVariable() bool { return v.Kind == Variable }
func (v Value) IsRegister() bool { return v.Kind == Register }
func (v Value) IsStack() bool    { return v.Kind == Stack }
func (v Value) IsConstant() bool { return v.Kind == Constant }

// IsFloat reports whether the value lives in the float register class.
func (v Value) IsFloat() bool { return v.Type.IsNumericFloat() }

// Same reports whether v and o name the same storage.
func (v Value) Same(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Variable:
		return v.Index == o.Index
	case Register:
		return v.Reg.Number == o.Reg.Number
	case Stack:
		return v.Area == o.Area && v.Offset == o.Offset
	case Constant:
		return v.Const.Key() == o.Const.Key()
	}
	return true
}

func (v Value) String() string {
	suffix := v.Type.String()
	if v.Narrow {
		suffix = "narrow"
	}
	switch v.Kind {
	case Variable:
		return fmt.Sprintf("v%d|%s", v.Index, suffix)
	case Register:
		return fmt.Sprintf("%s|%s", v.Reg, suffix)
	case Stack:
		switch v.Area {
		case AreaIncoming:
			return fmt.Sprintf("in:%d|%s", v.Offset, suffix)
		case AreaOutgoing:
			return fmt.Sprintf("out:%d|%s", v.Offset, suffix)
		}
		return fmt.Sprintf("stack:%d|%s", v.Offset, suffix)
	case Constant:
		return v.Const.String()
	}
	return "-"
}

// Role is how an instruction accesses an operand.
type Role uint8

const (
	// RoleUse is read at the start of the instruction.
	RoleUse Role = iota
	// RoleAlive must survive the whole instruction.
	RoleAlive
	// RoleTemp is clobbered by the instruction.
	RoleTemp
	// RoleDef is written at the end of the instruction.
	RoleDef
	// RoleState is captured for deoptimization.
	RoleState
)

func (r Role) String() string {
	switch r {
	case RoleUse:
		return "use"
	case RoleAlive:
		return "alive"
	case RoleTemp:
		return "temp"
	case RoleDef:
		return "def"
	case RoleState:
		return "state"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}
