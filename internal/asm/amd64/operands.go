package amd64

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/asm"
)

const (
	RAX asm.Variable = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

var gpNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

// RegName returns the 64-bit name of a general register or xmmN.
func RegName(id asm.Variable) string {
	switch {
	case id >= RAX && id <= R15:
		return gpNames[id]
	case id >= XMM0 && id <= XMM15:
		return fmt.Sprintf("xmm%d", id-XMM0)
	}
	return fmt.Sprintf("reg(%d)", id)
}

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg represents a register with an explicit operand size. XMM registers
// use size32 for single and size64 for double precision.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// RegSized picks the operand width from a byte count.
func RegSized(id asm.Variable, bytes int) Reg {
	switch bytes {
	case 1:
		return Reg8(id)
	case 2:
		return Reg16(id)
	case 4:
		return Reg32(id)
	}
	return Reg64(id)
}

func (r Reg) ID() asm.Variable { return r.id }

func (r Reg) Size() int { return int(r.size) }

func (r Reg) IsXMM() bool { return r.id >= XMM0 && r.id <= XMM15 }

func (r Reg) String() string { return RegName(r.id) }

// Memory describes an effective address used by memory operands. Besides
// base+index*scale+disp it can address rip-relative targets: a label in the
// text, an offset in the data section or an absolute address patched at
// install time.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool

	rip      ripTarget
	label    asm.Label
	dataOff  int
	absolute uint64
}

type ripTarget uint8

const (
	ripNone ripTarget = iota
	ripLabel
	ripData
	ripAbsolute
)

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// RipLabel addresses a label in the text section.
func RipLabel(label asm.Label) Memory {
	return Memory{rip: ripLabel, label: label, scale: 1}
}

// RipData addresses an offset in the data section emitted after the text.
func RipData(offset int) Memory {
	return Memory{rip: ripData, dataOff: offset, scale: 1}
}

// RipAbsolute addresses a fixed location outside the code blob. The
// displacement is filled in when the code is installed.
func RipAbsolute(addr uint64) Memory {
	return Memory{rip: ripAbsolute, absolute: addr, scale: 1}
}

// WithDisp returns a copy of the memory operand with the supplied displacement added.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) isRIP() bool { return m.rip != ripNone }

func (m Memory) validate() error {
	if m.isRIP() {
		if m.hasIndex {
			return fmt.Errorf("rip-relative operand cannot have an index")
		}
		return nil
	}
	if !m.hasBase {
		return fmt.Errorf("memory operand requires base register")
	}
	if m.base.size != size64 || m.base.IsXMM() {
		return fmt.Errorf("base register must be a 64-bit general register")
	}
	if m.hasIndex {
		if m.index.size != size64 || m.index.IsXMM() {
			return fmt.Errorf("index register must be a 64-bit general register")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

func (m Memory) String() string {
	switch m.rip {
	case ripLabel:
		return fmt.Sprintf("[rip+%s]", m.label)
	case ripData:
		return fmt.Sprintf("[rip+data+%d]", m.dataOff)
	case ripAbsolute:
		return fmt.Sprintf("[rip->%#x]", m.absolute)
	}
	s := "[" + m.base.String()
	if m.hasIndex {
		s += fmt.Sprintf("+%s*%d", m.index, m.scale)
	}
	if m.disp != 0 {
		s += fmt.Sprintf("%+d", m.disp)
	}
	return s + "]"
}

// Cond is an x86 condition code nibble.
type Cond byte

const (
	CondOverflow     Cond = 0x0
	CondNoOverflow   Cond = 0x1
	CondBelow        Cond = 0x2
	CondAboveOrEqual Cond = 0x3
	CondEqual        Cond = 0x4
	CondNotEqual     Cond = 0x5
	CondBelowOrEqual Cond = 0x6
	CondAbove        Cond = 0x7
	CondSign         Cond = 0x8
	CondNotSign      Cond = 0x9
	CondParity       Cond = 0xA
	CondNoParity     Cond = 0xB
	CondLess         Cond = 0xC
	CondGreaterEqual Cond = 0xD
	CondLessEqual    Cond = 0xE
	CondGreater      Cond = 0xF
)

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }
