package amd64

import (
	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/asm/amd64"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// Scratch registers reserved from allocation.
const (
	scratch0     = amd64.R10
	scratch1     = amd64.R11
	scratchFloat = amd64.XMM15
)

func gpr(r target.Register) asm.Variable {
	fault.Guarantee(r.Valid(), "amd64: use of an invalid register")
	return asm.Variable(r.Number)
}

// width is the number of bytes a value occupies in a register or slot.
func width(v lir.Value) int {
	if v.Narrow {
		return 4
	}
	switch v.Type {
	case meta.KindLong, meta.KindObject, meta.KindDouble:
		return 8
	}
	return 4
}

func isDouble(v lir.Value) bool { return v.Type == meta.KindDouble }

// sized returns register id viewed at the width of v.
func sized(id asm.Variable, v lir.Value) amd64.Reg {
	if v.IsFloat() {
		return amd64.Reg64(id)
	}
	return amd64.RegSized(id, width(v))
}

func regOf(v lir.Value) amd64.Reg {
	fault.Guarantee(v.IsRegister(), "amd64: %s is not a register", v)
	return sized(gpr(v.Reg), v)
}

// slot addresses a stack operand.
func (u *unit) slot(v lir.Value) amd64.Memory {
	fault.Guarantee(v.IsStack(), "amd64: %s is not a stack slot", v)
	switch v.Area {
	case lir.AreaSpill:
		return amd64.Mem(amd64.Reg64(amd64.RBP)).WithDisp(int32(-wordSize * (v.Offset + 1)))
	case lir.AreaIncoming:
		// saved rbp and the return address sit between rbp and the arguments
		return amd64.Mem(amd64.Reg64(amd64.RBP)).WithDisp(int32(2*wordSize + v.Offset))
	}
	return amd64.Mem(amd64.Reg64(amd64.RSP)).WithDisp(int32(v.Offset))
}

// constantBits returns the raw bits of an inline constant. Only primitives
// and null are inline; everything else goes through a patched data slot.
func constantBits(c *ir.Constant) int64 {
	switch c.Kind {
	case ir.ConstNull:
		return 0
	case ir.ConstPrimitive:
		return c.Bits
	}
	fault.Fatalf("amd64: constant %s cannot be an immediate", c)
	return 0
}

func fitsInt32(v int64) bool { return v == int64(int32(v)) }

// load puts v into dst, converting between the integer and float classes
// when they differ.
func (u *unit) load(dst amd64.Reg, v lir.Value) {
	switch v.Kind {
	case lir.Register:
		src := regOf(v)
		switch {
		case dst.IsXMM() && src.IsXMM():
			if dst.ID() != src.ID() {
				u.emit(amd64.MovFloat(dst, src, isDouble(v)))
			}
		case dst.IsXMM():
			u.emit(amd64.MovToXMM(dst, src))
		case src.IsXMM():
			u.emit(amd64.MovFromXMM(amd64.RegSized(dst.ID(), width(v)), src))
		default:
			u.emit(amd64.MovReg(dst, amd64.RegSized(src.ID(), dst.Size())))
		}
	case lir.Stack:
		if dst.IsXMM() {
			u.emit(amd64.MovFloat(dst, u.slot(v), isDouble(v)))
		} else {
			u.emit(amd64.MovFromMemory(dst, u.slot(v)))
		}
	case lir.Constant:
		bits := constantBits(v.Const)
		if dst.IsXMM() {
			u.emit(amd64.MovFloat(dst, amd64.RipData(u.literal(uint64(bits))), isDouble(v)))
			return
		}
		if dst.Size() == 8 {
			u.emit(amd64.MovImmediate(dst, bits))
		} else {
			u.emit(amd64.MovImmediate(dst, int64(int32(bits))))
		}
	default:
		fault.Fatalf("amd64: cannot load %s", v)
	}
}

// use returns a register holding v, loading it into the scratch register
// of v's class when v is not already in a register.
func (u *unit) use(v lir.Value, scratch asm.Variable) amd64.Reg {
	if v.IsRegister() {
		return regOf(v)
	}
	if v.IsFloat() {
		scratch = scratchFloat
	}
	r := sized(scratch, v)
	u.load(r, v)
	return r
}

// store writes src to dst.
func (u *unit) store(dst lir.Value, src amd64.Reg) {
	switch dst.Kind {
	case lir.Register:
		d := regOf(dst)
		switch {
		case d.IsXMM() && src.IsXMM():
			if d.ID() != src.ID() {
				u.emit(amd64.MovFloat(d, src, isDouble(dst)))
			}
		case d.IsXMM():
			u.emit(amd64.MovToXMM(d, amd64.RegSized(src.ID(), width(dst))))
		case src.IsXMM():
			u.emit(amd64.MovFromXMM(d, src))
		default:
			u.emit(amd64.MovReg(d, amd64.RegSized(src.ID(), d.Size())))
		}
	case lir.Stack:
		if src.IsXMM() {
			u.emit(amd64.MovFloatToMemory(u.slot(dst), src, isDouble(dst)))
			return
		}
		u.emit(amd64.MovToMemory(u.slot(dst), amd64.RegSized(src.ID(), width(dst))))
	default:
		fault.Fatalf("amd64: cannot store to %s", dst)
	}
}

func (u *unit) move(dst, src lir.Value) {
	if dst.Same(src) {
		return
	}
	switch {
	case dst.IsRegister():
		u.load(regOf(dst), src)
	case dst.IsStack() && src.IsRegister():
		u.store(dst, regOf(src))
	case dst.IsStack() && src.IsConstant() && !dst.IsFloat() && fitsInt32(constantBits(src.Const)):
		u.emit(amd64.MovImmToMemory(u.slot(dst), width(dst), int32(constantBits(src.Const))))
	default:
		u.store(dst, u.use(src, scratch0))
	}
}

// immediate reports whether v can be encoded as a sign-extended imm32.
func immediate(v lir.Value) (int32, bool) {
	if !v.IsConstant() {
		return 0, false
	}
	switch v.Const.Kind {
	case ir.ConstPrimitive, ir.ConstNull:
	default:
		return 0, false
	}
	bits := constantBits(v.Const)
	if !fitsInt32(bits) {
		return 0, false
	}
	return int32(bits), true
}

// conditionCode maps an integer predicate to the x86 condition.
func conditionCode(c ir.Condition) amd64.Cond {
	switch c {
	case ir.CondEQ:
		return amd64.CondEqual
	case ir.CondNE:
		return amd64.CondNotEqual
	case ir.CondLT:
		return amd64.CondLess
	case ir.CondLE:
		return amd64.CondLessEqual
	case ir.CondGT:
		return amd64.CondGreater
	case ir.CondGE:
		return amd64.CondGreaterEqual
	case ir.CondBT:
		return amd64.CondBelow
	case ir.CondAE:
		return amd64.CondAboveOrEqual
	case ir.CondBE:
		return amd64.CondBelowOrEqual
	case ir.CondAT:
		return amd64.CondAbove
	}
	fault.Fatalf("amd64: unknown condition %s", c)
	return 0
}

// floatConditionCode maps a predicate after ucomis, which sets flags like
// an unsigned compare.
func floatConditionCode(c ir.Condition) amd64.Cond {
	switch c {
	case ir.CondLT, ir.CondBT:
		return amd64.CondBelow
	case ir.CondLE, ir.CondBE:
		return amd64.CondBelowOrEqual
	case ir.CondGT, ir.CondAT:
		return amd64.CondAbove
	case ir.CondGE, ir.CondAE:
		return amd64.CondAboveOrEqual
	}
	return conditionCode(c)
}

// compare sets flags for x against y and returns the condition that
// holds when c does.
func (u *unit) compare(c ir.Condition, x, y lir.Value) amd64.Cond {
	if x.IsFloat() {
		a := u.use(x, scratchFloat)
		if y.IsRegister() {
			u.emit(amd64.CompareFloat(a, regOf(y), isDouble(x)))
		} else if y.IsStack() {
			u.emit(amd64.CompareFloat(a, u.slot(y), isDouble(x)))
		} else {
			u.emit(amd64.CompareFloat(a, amd64.RipData(u.literal(uint64(constantBits(y.Const)))), isDouble(x)))
		}
		return floatConditionCode(c)
	}
	a := u.use(x, scratch0)
	switch {
	case y.IsStack():
		u.emit(amd64.CmpRegMem(a, u.slot(y)))
	default:
		if imm, ok := immediate(y); ok {
			u.emit(amd64.CmpRegImm(a, imm))
			break
		}
		b := u.use(y, scratch1)
		u.emit(amd64.CmpRegReg(a, amd64.RegSized(b.ID(), a.Size())))
	}
	return conditionCode(c)
}

// memory addresses [base+disp], loading base into a scratch register
// when it is not already in one.
func (u *unit) memory(base lir.Value, disp int64, scratch asm.Variable) amd64.Memory {
	fault.Guarantee(fitsInt32(disp), "amd64: displacement %d does not fit", disp)
	b := u.use(base, scratch)
	return amd64.Mem(amd64.Reg64(b.ID())).WithDisp(int32(disp))
}
