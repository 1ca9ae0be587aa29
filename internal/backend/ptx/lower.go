package ptx

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
)

func (k *kernel) lower(ins lir.Instruction) {
	switch ins := ins.(type) {
	case *lir.Label:
		fmt.Fprintf(&k.body, "%s:\n", blockLabel(ins.Block))
	case *lir.Move:
		k.move(ins.Dst, ins.Src)
	case *lir.Binary:
		k.binary(ins)
	case *lir.Compare:
		p := k.setp(ins.Cond, ins.X, ins.Y)
		k.line("selp.s32 %s, 1, 0, %s;", k.operand(ins.Dst, ClassS32), p)
	case *lir.CompareBranch:
		p := k.setp(ins.Cond, ins.X, ins.Y)
		k.line("@%s bra %s;", p, blockLabel(ins.True))
		k.jump(ins.False)
	case *lir.Jump:
		k.jump(ins.Target)
	case *lir.Return:
		k.ret(ins)
	case *lir.Load:
		k.line("ld.global.%s %s, %s;", memoryType(ins.Kind), k.operand(ins.Dst, k.class(ins.Dst)), k.address(ins.Base, ins.Disp))
	case *lir.Store:
		src := k.source(ins.Src, classOf(lir.Value{Type: ins.Kind.StackKind()}))
		k.line("st.global.%s %s, %s;", memoryType(ins.Kind), k.address(ins.Base, ins.Disp), src)
	case *lir.ArrayLength:
		k.line("ld.global.s32 %s, %s;", k.operand(ins.Dst, ClassS32), k.address(ins.Array, ins.Offset))
	case *lir.Narrow:
		k.narrow(ins)
	case *lir.Reinterpret:
		dc := k.class(ins.Dst)
		k.line("mov.%s %s, %s;", bitType(dc), k.operand(ins.Dst, dc), k.source(ins.Src, k.class(ins.Src)))
	case *lir.TableSwitch:
		k.tableSwitch(ins)

	case *lir.DirectCall, *lir.InlineCacheCall, *lir.IndirectCall, *lir.ForeignCall,
		*lir.RuntimeCallPrologue, *lir.RuntimeCallEpilogue, *lir.SafepointPoll,
		*lir.CompareAndSwap, *lir.Unwind, *lir.JumpToExceptionHandlerInCaller,
		*lir.Deoptimize, *lir.ReadThread:
		k.fail(fmt.Errorf("%s is %w", ins.Name(), ErrUnsupported))
	default:
		fault.Unimplemented("ptx", ins.Name())
	}
}

func (k *kernel) jump(block int) {
	if block == k.current+1 {
		return
	}
	k.line("bra.uni %s;", blockLabel(block))
}

// move copies src into the variable dst, converting between classes when
// the declarations differ.
func (k *kernel) move(dst, src lir.Value) {
	fault.Guarantee(dst.IsVariable(), "ptx: move into %s", dst)
	dc := k.class(dst)
	d := k.operand(dst, dc)
	switch {
	case src.IsStack() && src.Area == lir.AreaIncoming:
		name, ok := k.params[src.Offset]
		fault.Guarantee(ok, "ptx: no parameter at offset %d", src.Offset)
		k.line("ld.param.%s %s, [%s];", paramType(src.Type), d, name)
	case src.IsConstant():
		k.line("mov.%s %s, %s;", dc, d, immediate(src.Const, dc))
	case src.IsVariable():
		sc := k.class(src)
		if sc == dc {
			if src.Index != dst.Index {
				k.line("mov.%s %s, %s;", dc, d, k.operand(src, sc))
			}
			return
		}
		k.convert(d, dc, k.operand(src, sc), sc)
	default:
		fault.Fatalf("ptx: cannot move %s into %s", src, dst)
	}
}

func (k *kernel) convert(d string, dc Class, s string, sc Class) {
	switch {
	case dc.float() && sc.float() && dc < sc:
		k.line("cvt.rn.%s.%s %s, %s;", dc, sc, d, s)
	case dc.float() != sc.float() && dc.float():
		k.line("cvt.rn.%s.%s %s, %s;", dc, sc, d, s)
	case dc.float() != sc.float():
		k.line("cvt.rzi.%s.%s %s, %s;", dc, sc, d, s)
	default:
		k.line("cvt.%s.%s %s, %s;", dc, sc, d, s)
	}
}

func (k *kernel) binary(b *lir.Binary) {
	c := k.class(b.Dst)
	d := k.operand(b.Dst, c)
	x := k.source(b.X, c)
	if c.float() {
		switch b.Op {
		case ir.BinAdd, ir.BinSub, ir.BinMul:
			k.line("%s.%s %s, %s, %s;", b.Op, c, d, x, k.operand(b.Y, c))
		default:
			fault.Unimplemented("ptx", fmt.Sprintf("%s.%s", b.Op, c))
		}
		return
	}
	switch b.Op {
	case ir.BinAdd, ir.BinSub:
		k.line("%s.%s %s, %s, %s;", b.Op, c, d, x, k.operand(b.Y, c))
	case ir.BinMul:
		k.line("mul.lo.%s %s, %s, %s;", c, d, x, k.operand(b.Y, c))
	case ir.BinAnd, ir.BinOr, ir.BinXor:
		k.line("%s.%s %s, %s, %s;", b.Op, bitType(c), d, x, k.operand(b.Y, c))
	case ir.BinShl, ir.BinShr, ir.BinUshr:
		k.shift(b.Op, c, d, x, b.Y)
	default:
		fault.Unimplemented("ptx", b.Op)
	}
}

// shift takes its count as a 32-bit register or an immediate masked to the
// operand width.
func (k *kernel) shift(op ir.BinaryOp, c Class, d, x string, count lir.Value) {
	var amount string
	if count.IsConstant() {
		mask := int64(31)
		if c == ClassS64 {
			mask = 63
		}
		amount = fmt.Sprintf("%d", count.Const.Bits&mask)
	} else {
		fault.Guarantee(k.class(count) == ClassS32, "ptx: shift count %s is not 32-bit", count)
		amount = k.operand(count, ClassS32)
	}
	switch op {
	case ir.BinShl:
		k.line("shl.%s %s, %s, %s;", bitType(c), d, x, amount)
	case ir.BinShr:
		k.line("shr.%s %s, %s, %s;", c, d, x, amount)
	default:
		k.line("shr.%s %s, %s, %s;", unsigned(c), d, x, amount)
	}
}

func unsigned(c Class) string {
	if c == ClassS64 {
		return "u64"
	}
	return "u32"
}

// setp compares x with y into a fresh predicate.
func (k *kernel) setp(cond ir.Condition, x, y lir.Value) string {
	c := k.class(x)
	if !x.IsVariable() && y.IsVariable() {
		c = k.class(y)
	}
	typ := c.String()
	op := compareOp(cond)
	switch cond {
	case ir.CondBT, ir.CondAE, ir.CondBE, ir.CondAT:
		fault.Guarantee(!c.float(), "ptx: unsigned compare of %s", c)
		typ = unsigned(c)
	}
	p := k.pred()
	k.line("setp.%s.%s %s, %s, %s;", op, typ, p, k.source(x, c), k.operand(y, c))
	return p
}

func compareOp(c ir.Condition) string {
	switch c {
	case ir.CondEQ:
		return "eq"
	case ir.CondNE:
		return "ne"
	case ir.CondLT:
		return "lt"
	case ir.CondLE:
		return "le"
	case ir.CondGT:
		return "gt"
	case ir.CondGE:
		return "ge"
	case ir.CondBT:
		return "lo"
	case ir.CondAE:
		return "hs"
	case ir.CondBE:
		return "ls"
	case ir.CondAT:
		return "hi"
	}
	fault.Fatalf("ptx: unknown condition %s", c)
	return ""
}

// ret stores the result through the return parameter before leaving.
func (k *kernel) ret(r *lir.Return) {
	if r.Value.IsLegal() {
		m := k.res.Method
		src := k.source(r.Value, classOf(lir.Value{Type: m.Return.StackKind()}))
		k.line("st.global.%s [%s], %s;", memoryType(m.Return), retReg, src)
	}
	k.line("ret;")
}

func (k *kernel) narrow(n *lir.Narrow) {
	d := k.operand(n.Dst, ClassS32)
	s := k.source(n.Src, k.class(n.Src))
	if k.class(n.Src) == ClassS64 {
		k.line("cvt.u32.u64 %s, %s;", d, s)
		s = d
	}
	switch n.To {
	case meta.KindBoolean:
		k.line("and.b32 %s, %s, 1;", d, s)
	case meta.KindByte:
		k.line("cvt.s32.s8 %s, %s;", d, s)
	case meta.KindShort:
		k.line("cvt.s32.s16 %s, %s;", d, s)
	case meta.KindChar:
		k.line("cvt.u32.u16 %s, %s;", d, s)
	case meta.KindInt:
		if s != d {
			k.line("mov.s32 %s, %s;", d, s)
		}
	default:
		fault.Fatalf("ptx: cannot narrow to %s", n.To)
	}
}

// tableSwitch has no indirect branch on the device, so it becomes a chain
// of compares.
func (k *kernel) tableSwitch(s *lir.TableSwitch) {
	c := k.class(s.Value)
	v := k.source(s.Value, c)
	for i, target := range s.Targets {
		p := k.pred()
		k.line("setp.eq.%s %s, %s, %d;", c, p, v, s.Low+int64(i))
		k.line("@%s bra %s;", p, blockLabel(target))
	}
	k.jump(s.Default)
}
