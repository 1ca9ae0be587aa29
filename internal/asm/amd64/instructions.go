package amd64

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/asm"
)

// encodeFragment builds a fragment from an encoder. Fragments that carry
// rip-relative operands require the amd64 Context.
func encodeFragment(fn func() (encoded, error)) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		enc, err := fn()
		if err != nil {
			return err
		}
		if ctx, ok := _ctx.(*Context); ok {
			ctx.emit(enc)
			return nil
		}
		if enc.dispPos >= 0 {
			return fmt.Errorf("rip-relative operand needs an amd64 context")
		}
		_ctx.EmitBytes(enc.bytes)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovRegImm(dst, value) })
}

// Movabs loads a full 64-bit immediate using the fixed 10-byte form.
func Movabs(dst Reg, value uint64) asm.Fragment {
	return encodeFragment(func() (encoded, error) {
		enc, _, err := encodeMovabs(dst, value)
		return enc, err
	})
}

func MovReg(dst, src Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if dst == src {
			return nil
		}
		enc, err := encodeMovRegReg(dst, src)
		if err != nil {
			return err
		}
		ctx.EmitBytes(enc.bytes)
		return nil
	})
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovRegMem(dst, mem) })
}

// MovImmToMemory stores a sign-extended 32-bit immediate of the given width.
func MovImmToMemory(mem Memory, bytes int, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovMemImm(mem, operandSize(bytes), value) })
}

func MovZX8(dst Reg, src Memory) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovExtend(dst, src, size8, false) })
}

func MovZX16(dst Reg, src Memory) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovExtend(dst, src, size16, false) })
}

// MovExtend widens a srcBytes-wide register or memory operand into dst.
func MovExtend(dst Reg, src any, srcBytes int, signed bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovExtend(dst, src, operandSize(srcBytes), signed) })
}

// LoadAddress computes the effective address of mem into dst.
func LoadAddress(dst Reg, mem Memory) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeLea(dst, mem) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluAdd, reg.size, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluSub, reg.size, reg, value) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluAnd, reg.size, reg, value) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluOr, reg.size, reg, value) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluXor, reg.size, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluCmp, reg.size, reg, value) })
}

// CmpMemImm compares a bytes-wide memory operand with an immediate.
func CmpMemImm(mem Memory, bytes int, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUImm(aluCmp, operandSize(bytes), mem, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluAdd, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluSub, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluAnd, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluOr, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluXor, dst, src) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluCmp, dst, src) })
}

// CmpRegMem compares reg with a memory operand of the same width.
func CmpRegMem(reg Reg, mem Memory) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALURegRM(aluCmp, reg, mem) })
}

func AddMemReg(mem Memory, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeALUMemReg(aluAdd, mem, src) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeTest(dst, src) })
}

// TestMem ANDs a memory operand with reg for flags only. A test against
// the polling page is the safepoint poll.
func TestMem(mem Memory, reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeTest(mem, reg) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeImulRegRM(dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeImulRegImm(dst, src, value) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftImm(shiftShl, reg, count) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftImm(shiftShr, reg, count) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftImm(shiftSar, reg, count) })
}

func ShlRegCL(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftCL(shiftShl, reg) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftCL(shiftShr, reg) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeShiftCL(shiftSar, reg) })
}

func Neg(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeNeg(reg) })
}

// Cmov moves src into dst when cond holds.
func Cmov(cond Cond, dst Reg, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeCmov(cond, dst, src) })
}

// Setcc writes 1 to the low byte of dst when cond holds, 0 otherwise.
func Setcc(cond Cond, dst Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeSetcc(cond, dst) })
}

// LockCmpxchg compares rax with [mem] and stores src there when equal.
func LockCmpxchg(mem Memory, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeCmpxchg(mem, src) })
}

func Push(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodePush(reg) })
}

func Pop(reg Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodePop(reg) })
}

func CallReg(target Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) {
		if target.size != size64 {
			return encoded{}, fmt.Errorf("call target must be a 64-bit register")
		}
		return encodeCallRM(target)
	})
}

func JumpReg(target Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) {
		if target.size != size64 {
			return encoded{}, fmt.Errorf("jump target must be a 64-bit register")
		}
		return encodeJumpRM(target)
	})
}

// Call emits a rel32 call to a label in the same program.
func Call(label asm.Label) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitRel32([]byte{0xE8}, label)
		return nil
	})
}

// CallSymbol emits a rel32 call to an external symbol resolved at install.
func CallSymbol(symbol string) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitSymbolRel32([]byte{0xE8}, symbol)
		return nil
	})
}

// JumpSymbol emits a rel32 jump to an external symbol resolved at install.
func JumpSymbol(symbol string) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitSymbolRel32([]byte{0xE9}, symbol)
		return nil
	})
}

// JumpIfSymbol emits a rel32 conditional jump to an external symbol.
func JumpIfSymbol(cond Cond, symbol string) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitSymbolRel32([]byte{0x0F, 0x80 | byte(cond)}, symbol)
		return nil
	})
}

func Jump(label asm.Label) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitRel32([]byte{0xE9}, label)
		return nil
	})
}

func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		ctx.emitRel32([]byte{0x0F, 0x80 | byte(cond)}, label)
		return nil
	})
}

func JumpIfEqual(label asm.Label) asm.Fragment { return JumpIf(CondEqual, label) }

func JumpIfNotEqual(label asm.Label) asm.Fragment { return JumpIf(CondNotEqual, label) }

func JumpIfAbove(label asm.Label) asm.Fragment { return JumpIf(CondAbove, label) }

func JumpIfLess(label asm.Label) asm.Fragment { return JumpIf(CondLess, label) }

func JumpIfGreater(label asm.Label) asm.Fragment { return JumpIf(CondGreater, label) }

// JumpTableEntry emits a 32-bit slot holding target minus base.
func JumpTableEntry(base, target asm.Label) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx := _ctx.(*Context)
		pos := len(ctx.text)
		ctx.text = append(ctx.text, 0, 0, 0, 0)
		ctx.tables = append(ctx.tables, tablePatch{pos: pos, base: base, target: target})
		return nil
	})
}

func Ret() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeRet())
		return nil
	})
}

func Leave() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeLeave())
		return nil
	})
}

func Hlt() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeHlt())
		return nil
	})
}

func Nop(n int) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeNop(n))
		return nil
	})
}

// Align pads with nops until (position+offset) is a multiple of n.
func Align(n, offset int) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		pos := ctx.Len() + offset
		if pad := alignTo(pos, n) - pos; pad > 0 {
			ctx.EmitBytes(encodeNop(pad))
		}
		return nil
	})
}

// MovFloat moves a scalar between xmm registers or from memory.
func MovFloat(dst Reg, src any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovFloatLoad(dst, src, double) })
}

func MovFloatToMemory(mem Memory, src Reg, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovFloatStore(mem, src, double) })
}

func AddFloat(dst Reg, src any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeSSEArith(sseAdd, dst, src, double) })
}

func SubFloat(dst Reg, src any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeSSEArith(sseSub, dst, src, double) })
}

func MulFloat(dst Reg, src any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeSSEArith(sseMul, dst, src, double) })
}

func DivFloat(dst Reg, src any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeSSEArith(sseDiv, dst, src, double) })
}

func CompareFloat(a Reg, b any, double bool) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeUcomis(a, b, double) })
}

// MovToXMM copies raw bits from a general register.
func MovToXMM(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovGPToXMM(dst, src) })
}

// MovFromXMM copies raw bits into a general register.
func MovFromXMM(dst, src Reg) asm.Fragment {
	return encodeFragment(func() (encoded, error) { return encodeMovXMMToGP(dst, src) })
}
