package ir

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/meta"
)

// NodeID indexes a node inside its Graph's arena.
type NodeID int32

// NoNode marks an absent edge.
const NoNode NodeID = -1

func (id NodeID) String() string {
	if id == NoNode {
		return "-"
	}
	return fmt.Sprintf("n%d", int32(id))
}

type Op uint8

const (
	OpInvalid Op = iota
	OpStart
	OpBegin
	OpMerge
	OpParam
	OpConstant
	OpBinary
	OpCompare
	OpPhi
	OpIf
	OpGoto
	OpSwitch
	OpReturn
	OpLoad
	OpStore
	OpRawLoad
	OpRawStore
	OpCompareAndSwap
	OpArrayLength
	OpInvoke
	OpForeignCall
	OpSafepoint
	OpUnwind
	OpJumpToExceptionHandler
	OpDeoptimize
	OpCurrentThread
	OpStackBuffer
	OpNarrow
	OpReinterpret
	OpLoadMethodCounters
	OpResolveMethodAndLoadCounters
	OpLoadConstantIndirectly
	OpResolveConstant
)

var opNames = [...]string{
	OpInvalid:                      "Invalid",
	OpStart:                        "Start",
	OpBegin:                        "Begin",
	OpMerge:                        "Merge",
	OpParam:                        "Param",
	OpConstant:                     "Constant",
	OpBinary:                       "Binary",
	OpCompare:                      "Compare",
	OpPhi:                          "Phi",
	OpIf:                           "If",
	OpGoto:                         "Goto",
	OpSwitch:                       "Switch",
	OpReturn:                       "Return",
	OpLoad:                         "Load",
	OpStore:                        "Store",
	OpRawLoad:                      "RawLoad",
	OpRawStore:                     "RawStore",
	OpCompareAndSwap:               "CompareAndSwap",
	OpArrayLength:                  "ArrayLength",
	OpInvoke:                       "Invoke",
	OpForeignCall:                  "ForeignCall",
	OpSafepoint:                    "Safepoint",
	OpUnwind:                       "Unwind",
	OpJumpToExceptionHandler:       "JumpToExceptionHandler",
	OpDeoptimize:                   "Deoptimize",
	OpCurrentThread:                "CurrentThread",
	OpStackBuffer:                  "StackBuffer",
	OpNarrow:                       "Narrow",
	OpReinterpret:                  "Reinterpret",
	OpLoadMethodCounters:           "LoadMethodCounters",
	OpResolveMethodAndLoadCounters: "ResolveMethodAndLoadCounters",
	OpLoadConstantIndirectly:       "LoadConstantIndirectly",
	OpResolveConstant:              "ResolveConstant",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// ParseOp is the inverse of String.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s && Op(op) != OpInvalid {
			return Op(op), nil
		}
	}
	return OpInvalid, fmt.Errorf("ir: unknown op %q", s)
}

// IsFixed reports whether nodes of this op live in the control chain. All
// other ops float and are placed by their consumers.
func (o Op) IsFixed() bool {
	switch o {
	case OpParam, OpConstant, OpBinary, OpCompare, OpPhi, OpCurrentThread,
		OpNarrow, OpReinterpret, OpLoadMethodCounters,
		OpResolveMethodAndLoadCounters, OpLoadConstantIndirectly, OpResolveConstant:
		return false
	}
	return true
}

// IsBlockBegin reports whether the op starts a basic block.
func (o Op) IsBlockBegin() bool {
	return o == OpStart || o == OpBegin || o == OpMerge
}

// IsTerminal reports whether the op ends a basic block.
func (o Op) IsTerminal() bool {
	switch o {
	case OpIf, OpGoto, OpSwitch, OpReturn, OpUnwind, OpJumpToExceptionHandler, OpDeoptimize:
		return true
	}
	return false
}

type BinaryOp uint8

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShr
	BinUshr
)

var binaryNames = [...]string{"add", "sub", "mul", "and", "or", "xor", "shl", "shr", "ushr"}

func (b BinaryOp) String() string {
	if int(b) < len(binaryNames) {
		return binaryNames[b]
	}
	return fmt.Sprintf("bin(%d)", uint8(b))
}

func ParseBinaryOp(s string) (BinaryOp, error) {
	for i, name := range binaryNames {
		if name == s {
			return BinaryOp(i), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown binary op %q", s)
}

// Condition is a comparison predicate. BT/AE/BE/AT are unsigned.
type Condition uint8

const (
	CondEQ Condition = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondBT
	CondAE
	CondBE
	CondAT
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "bt", "ae", "be", "at"}

func (c Condition) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

func ParseCondition(s string) (Condition, error) {
	for i, name := range condNames {
		if name == s {
			return Condition(i), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown condition %q", s)
}

// Negate returns the predicate that holds exactly when c does not.
func (c Condition) Negate() Condition {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondBT:
		return CondAE
	case CondAE:
		return CondBT
	case CondBE:
		return CondAT
	case CondAT:
		return CondBE
	}
	return c
}

// InvokeKind is the dispatch flavour of an Invoke node.
type InvokeKind uint8

const (
	InvokeStatic InvokeKind = iota
	InvokeSpecial
	InvokeVirtual
	InvokeInterface
)

var invokeNames = [...]string{"static", "special", "virtual", "interface"}

func (k InvokeKind) String() string {
	if int(k) < len(invokeNames) {
		return invokeNames[k]
	}
	return fmt.Sprintf("invoke(%d)", uint8(k))
}

func ParseInvokeKind(s string) (InvokeKind, error) {
	for i, name := range invokeNames {
		if name == s {
			return InvokeKind(i), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown invoke kind %q", s)
}

// ResolveAction selects what a ResolveConstant node does at run time.
type ResolveAction uint8

const (
	ActionResolve ResolveAction = iota
	ActionInitialize
)

func (a ResolveAction) String() string {
	if a == ActionInitialize {
		return "initialize"
	}
	return "resolve"
}

// Node is one vertex of a Graph. Which fields are meaningful depends on Op;
// edges are always NodeIDs into the owning arena.
type Node struct {
	Op   Op
	Kind meta.Kind

	Inputs []NodeID
	// Next links straight-line fixed nodes.
	Next NodeID
	// Succs holds control successors of If (true, false), Switch (cases...,
	// default) and Goto (merge).
	Succs []NodeID

	Const    *Constant
	Method   *meta.Method
	Target   string
	Binary   BinaryOp
	Cond     Condition
	Invoke   InvokeKind
	Indirect bool
	Action   ResolveAction
	// Offset is the parameter index for Param, the displacement for memory
	// accesses and the size for StackBuffer.
	Offset int64
	Keys   []int64
	// HasState marks nodes that capture a frame state for deoptimization.
	HasState bool
	// Loop marks merges that are loop headers.
	Loop bool
	// Compressed marks memory accesses of compressed object pointers.
	Compressed bool
	Reason     string
}

func (n *Node) Input(i int) NodeID {
	if i < len(n.Inputs) {
		return n.Inputs[i]
	}
	return NoNode
}

// HasValue reports whether the node defines a value other nodes can use.
// Store-like nodes carry their access kind in Kind without defining one.
func (n *Node) HasValue() bool {
	switch n.Op {
	case OpStore, OpRawStore, OpReturn, OpStart, OpBegin, OpMerge, OpIf,
		OpGoto, OpSwitch, OpSafepoint, OpUnwind, OpJumpToExceptionHandler,
		OpDeoptimize, OpInvalid:
		return false
	}
	return n.Kind.IsValue()
}

func (n *Node) String() string {
	return fmt.Sprintf("%s:%s", n.Op, n.Kind)
}
