package amd64

import (
	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/asm/amd64"
	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
)

func (u *unit) lower(ins lir.Instruction) {
	switch ins := ins.(type) {
	case *lir.Label:
		u.emit(asm.MarkLabel(blockLabel(ins.Block)))
	case *lir.Move:
		u.move(ins.Dst, ins.Src)
	case *lir.Binary:
		u.binary(ins)
	case *lir.Compare:
		cond := u.compare(ins.Cond, ins.X, ins.Y)
		u.emit(
			amd64.Setcc(cond, amd64.Reg8(scratch1)),
			amd64.MovExtend(amd64.Reg32(scratch1), amd64.Reg8(scratch1), 1, false),
		)
		u.store(ins.Dst, amd64.Reg32(scratch1))
	case *lir.CompareBranch:
		u.branch(ins)
	case *lir.Jump:
		if !u.isNext(ins.Target) {
			u.emit(amd64.Jump(blockLabel(ins.Target)))
		}
	case *lir.Return:
		u.leaveFrame()
		if ins.Poll {
			u.poll(true, ins.PollFar, nil)
		}
		u.emit(amd64.Ret())
	case *lir.Load:
		u.loadMemory(ins)
	case *lir.Store:
		u.storeMemory(ins)
	case *lir.CompareAndSwap:
		u.compareAndSwap(ins)
	case *lir.Compress:
		u.compress(ins)
	case *lir.Uncompress:
		u.uncompress(ins)
	case *lir.DirectCall:
		mark := asm.MarkInlineInvoke
		switch ins.Invoke {
		case ir.InvokeStatic:
			mark = asm.MarkInvokeStatic
		case ir.InvokeSpecial:
			mark = asm.MarkInvokeSpecial
		}
		symbol := ins.Method.String()
		u.emit(amd64.Align(callDispAlignment, 1), asm.Mark(mark))
		u.call(code.CallDirect, symbol, ins.Info, code.InfopointCall, amd64.CallSymbol(symbol))
	case *lir.InlineCacheCall:
		mark := asm.MarkInvokeVirtual
		if ins.Invoke == ir.InvokeInterface {
			mark = asm.MarkInvokeInterface
		}
		symbol := ins.Method.String()
		u.emit(
			asm.Mark(mark),
			amd64.Movabs(amd64.Reg64(gpr(ins.Cache.Reg)), ins.Sentinel),
			amd64.Align(callDispAlignment, 1),
		)
		u.call(code.CallInlineCache, symbol, ins.Info, code.InfopointCall, amd64.CallSymbol(symbol))
	case *lir.IndirectCall:
		u.emit(asm.Mark(asm.MarkInlineInvoke))
		u.call(code.CallIndirect, ins.Method.String(), ins.Info, code.InfopointCall, amd64.CallReg(amd64.Reg64(gpr(ins.Address.Reg))))
	case *lir.ForeignCall:
		symbol := ins.Linkage.Symbol()
		u.call(code.CallForeign, symbol, ins.Info, code.InfopointCall, amd64.CallSymbol(symbol))
	case *lir.RuntimeCallPrologue:
		off := u.e.rt.Offsets
		thread := u.thread()
		u.emit(
			amd64.LoadAddress(amd64.Reg64(scratch0), amd64.RipLabel(asm.Label(ins.Resume))),
			amd64.MovToMemory(amd64.Mem(thread).WithDisp(off.LastManagedPC), amd64.Reg64(scratch0)),
			amd64.MovToMemory(amd64.Mem(thread).WithDisp(off.LastManagedSP), amd64.Reg64(amd64.RSP)),
			amd64.MovToMemory(amd64.Mem(thread).WithDisp(off.LastManagedFP), amd64.Reg64(amd64.RBP)),
		)
	case *lir.RuntimeCallEpilogue:
		off := u.e.rt.Offsets
		thread := u.thread()
		u.emit(
			asm.MarkLabel(asm.Label(ins.Resume)),
			amd64.MovImmToMemory(amd64.Mem(thread).WithDisp(off.LastManagedSP), wordSize, 0),
			amd64.MovImmToMemory(amd64.Mem(thread).WithDisp(off.LastManagedFP), wordSize, 0),
			amd64.MovImmToMemory(amd64.Mem(thread).WithDisp(off.LastManagedPC), wordSize, 0),
		)
	case *lir.SafepointPoll:
		u.poll(false, ins.Far, ins.Info)
	case *lir.TableSwitch:
		u.tableSwitch(ins)
	case *lir.Unwind:
		u.unwind(ins)
	case *lir.JumpToExceptionHandlerInCaller:
		u.jumpToHandler(ins)
	case *lir.Deoptimize:
		u.move(ins.Arg, lir.IntConst(ins.Reason))
		symbol := ins.Stub.Symbol()
		u.call(code.CallForeign, symbol, ins.Info, code.InfopointDeopt, amd64.CallSymbol(symbol))
		u.emit(amd64.Hlt())
	case *lir.LoadConstantIndirectly:
		d := u.def(ins.Dst)
		u.emit(amd64.MovFromMemory(d, amd64.RipData(u.constantSlot(ins.Const))))
		u.store(ins.Dst, d)
	case *lir.StackBufferAddress:
		fault.Guarantee(ins.Buffer >= 0 && ins.Buffer < len(u.frame.buffers), "amd64: unknown stack buffer %d", ins.Buffer)
		d := amd64.Reg64(u.def(ins.Dst).ID())
		u.emit(amd64.LoadAddress(d, amd64.Mem(amd64.Reg64(amd64.RBP)).WithDisp(u.frame.buffers[ins.Buffer])))
		u.store(ins.Dst, d)
	case *lir.ArrayLength:
		mem := u.memory(ins.Array, ins.Offset, scratch0)
		d := u.def(ins.Dst)
		u.emit(amd64.MovFromMemory(amd64.Reg32(d.ID()), mem))
		u.store(ins.Dst, amd64.Reg32(d.ID()))
	case *lir.Narrow:
		u.narrow(ins)
	case *lir.Reinterpret:
		u.store(ins.Dst, u.use(ins.Src, scratch0))
	case *lir.ReadThread:
		u.store(ins.Dst, u.thread())
	default:
		fault.Unimplemented("amd64", ins.Name())
	}
}

// def returns the register a result is computed into: its own register
// when allocated to one, the second scratch register otherwise.
func (u *unit) def(v lir.Value) amd64.Reg {
	if v.IsRegister() {
		return regOf(v)
	}
	if v.IsFloat() {
		return amd64.Reg64(scratchFloat)
	}
	return sized(scratch1, v)
}

func (u *unit) thread() amd64.Reg {
	return amd64.Reg64(gpr(u.e.regs.Thread()))
}

func (u *unit) branch(b *lir.CompareBranch) {
	cond := u.compare(b.Cond, b.X, b.Y)
	switch {
	case u.isNext(b.False):
		u.emit(amd64.JumpIf(cond, blockLabel(b.True)))
	case u.isNext(b.True):
		u.emit(amd64.JumpIf(cond^1, blockLabel(b.False)))
	default:
		u.emit(amd64.JumpIf(cond, blockLabel(b.True)), amd64.Jump(blockLabel(b.False)))
	}
}

func (u *unit) binary(b *lir.Binary) {
	if b.Dst.IsFloat() {
		u.floatBinary(b)
		return
	}
	acc := sized(scratch0, b.Dst)
	u.load(acc, b.X)
	switch b.Op {
	case ir.BinShl, ir.BinShr, ir.BinUshr:
		u.shift(b.Op, acc, b.Y)
		u.store(b.Dst, acc)
		return
	}
	if imm, ok := immediate(b.Y); ok {
		switch b.Op {
		case ir.BinAdd:
			u.emit(amd64.AddRegImm(acc, imm))
		case ir.BinSub:
			u.emit(amd64.SubRegImm(acc, imm))
		case ir.BinMul:
			u.emit(amd64.ImulRegImm(acc, acc, imm))
		case ir.BinAnd:
			u.emit(amd64.AndRegImm(acc, imm))
		case ir.BinOr:
			u.emit(amd64.OrRegImm(acc, imm))
		case ir.BinXor:
			u.emit(amd64.XorRegImm(acc, imm))
		default:
			fault.Unimplemented("amd64", b.Op)
		}
		u.store(b.Dst, acc)
		return
	}
	y := amd64.RegSized(u.use(b.Y, scratch1).ID(), acc.Size())
	switch b.Op {
	case ir.BinAdd:
		u.emit(amd64.AddRegReg(acc, y))
	case ir.BinSub:
		u.emit(amd64.SubRegReg(acc, y))
	case ir.BinMul:
		u.emit(amd64.ImulRegReg(acc, y))
	case ir.BinAnd:
		u.emit(amd64.AndRegReg(acc, y))
	case ir.BinOr:
		u.emit(amd64.OrRegReg(acc, y))
	case ir.BinXor:
		u.emit(amd64.XorRegReg(acc, y))
	default:
		fault.Unimplemented("amd64", b.Op)
	}
	u.store(b.Dst, acc)
}

// shift shifts acc by y. Counts are masked to the operand width; a
// variable count goes through cl with rcx preserved in the second
// scratch register.
func (u *unit) shift(op ir.BinaryOp, acc amd64.Reg, y lir.Value) {
	mask := int32(acc.Size()*8 - 1)
	if imm, ok := immediate(y); ok {
		count := uint8(imm & mask)
		if count == 0 {
			return
		}
		switch op {
		case ir.BinShl:
			u.emit(amd64.ShlRegImm(acc, count))
		case ir.BinShr:
			u.emit(amd64.SarRegImm(acc, count))
		default:
			u.emit(amd64.ShrRegImm(acc, count))
		}
		return
	}
	u.emit(amd64.MovReg(amd64.Reg64(scratch1), amd64.Reg64(amd64.RCX)))
	u.load(amd64.Reg32(amd64.RCX), y)
	switch op {
	case ir.BinShl:
		u.emit(amd64.ShlRegCL(acc))
	case ir.BinShr:
		u.emit(amd64.SarRegCL(acc))
	default:
		u.emit(amd64.ShrRegCL(acc))
	}
	u.emit(amd64.MovReg(amd64.Reg64(amd64.RCX), amd64.Reg64(scratch1)))
}

func (u *unit) floatOperand(v lir.Value) any {
	switch {
	case v.IsRegister():
		return regOf(v)
	case v.IsStack():
		return u.slot(v)
	}
	return amd64.RipData(u.literal(uint64(constantBits(v.Const))))
}

func (u *unit) floatBinary(b *lir.Binary) {
	acc := amd64.Reg64(scratchFloat)
	double := isDouble(b.Dst)
	u.load(acc, b.X)
	y := u.floatOperand(b.Y)
	switch b.Op {
	case ir.BinAdd:
		u.emit(amd64.AddFloat(acc, y, double))
	case ir.BinSub:
		u.emit(amd64.SubFloat(acc, y, double))
	case ir.BinMul:
		u.emit(amd64.MulFloat(acc, y, double))
	default:
		fault.Unimplemented("amd64", "float "+b.Op.String())
	}
	u.store(b.Dst, acc)
}

func (u *unit) loadMemory(l *lir.Load) {
	mem := u.memory(l.Base, l.Disp, scratch0)
	d := u.def(l.Dst)
	switch l.Kind {
	case meta.KindFloat, meta.KindDouble:
		u.emit(amd64.MovFloat(d, mem, l.Kind == meta.KindDouble))
	case meta.KindBoolean:
		u.emit(amd64.MovExtend(amd64.Reg32(d.ID()), mem, 1, false))
	case meta.KindByte:
		u.emit(amd64.MovExtend(amd64.Reg32(d.ID()), mem, 1, true))
	case meta.KindChar:
		u.emit(amd64.MovExtend(amd64.Reg32(d.ID()), mem, 2, false))
	case meta.KindShort:
		u.emit(amd64.MovExtend(amd64.Reg32(d.ID()), mem, 2, true))
	default:
		u.emit(amd64.MovFromMemory(d, mem))
	}
	u.store(l.Dst, d)
}

func (u *unit) storeMemory(s *lir.Store) {
	mem := u.memory(s.Base, s.Disp, scratch0)
	bytes := s.Kind.ByteCount()
	if s.Kind.IsNumericFloat() {
		u.emit(amd64.MovFloatToMemory(mem, u.use(s.Src, scratchFloat), s.Kind == meta.KindDouble))
		return
	}
	if imm, ok := immediate(s.Src); ok {
		u.emit(amd64.MovImmToMemory(mem, bytes, imm))
		return
	}
	src := u.use(s.Src, scratch1)
	u.emit(amd64.MovToMemory(mem, amd64.RegSized(src.ID(), bytes)))
}

// compareAndSwap uses lock cmpxchg, which compares against and reloads
// the accumulator.
func (u *unit) compareAndSwap(c *lir.CompareAndSwap) {
	bytes := c.Kind.ByteCount()
	mem := u.memory(c.Base, c.Disp, scratch0)
	replacement := amd64.RegSized(u.use(c.New, scratch1).ID(), bytes)
	u.load(amd64.RegSized(amd64.RAX, bytes), c.Expected)
	u.emit(
		amd64.LockCmpxchg(mem, replacement),
		amd64.Setcc(amd64.CondEqual, amd64.Reg8(scratch1)),
		amd64.MovExtend(amd64.Reg32(scratch1), amd64.Reg8(scratch1), 1, false),
	)
	u.store(c.Result, amd64.Reg32(scratch1))
}

// heapBase returns a register holding the compressed pointer base.
func (u *unit) heapBase(base uint64) amd64.Reg {
	if r := u.e.regs.HeapBase(); r.Valid() {
		return amd64.Reg64(gpr(r))
	}
	u.emit(amd64.Movabs(amd64.Reg64(scratch1), base))
	return amd64.Reg64(scratch1)
}

func (u *unit) compress(c *lir.Compress) {
	r := amd64.Reg64(scratch0)
	u.load(r, c.Src)
	if c.Base != 0 {
		base := u.heapBase(c.Base)
		if !c.NonNull {
			// null compresses to zero
			u.emit(amd64.TestRegReg(r, r), amd64.Cmov(amd64.CondEqual, r, base))
		}
		u.emit(amd64.SubRegReg(r, base))
	}
	if c.Shift != 0 {
		u.emit(amd64.ShrRegImm(r, c.Shift))
	}
	u.store(c.Dst, amd64.Reg32(scratch0))
}

func (u *unit) uncompress(c *lir.Uncompress) {
	r := amd64.Reg64(scratch0)
	u.load(amd64.Reg32(scratch0), c.Src)
	var done asm.Label
	if c.Base != 0 && !c.NonNull {
		done = u.newLabel("null")
		u.emit(amd64.TestRegReg(amd64.Reg32(scratch0), amd64.Reg32(scratch0)), amd64.JumpIf(amd64.CondEqual, done))
	}
	if c.Shift != 0 {
		u.emit(amd64.ShlRegImm(r, c.Shift))
	}
	if c.Base != 0 {
		u.emit(amd64.AddRegReg(r, u.heapBase(c.Base)))
	}
	if done != "" {
		u.emit(asm.MarkLabel(done))
	}
	u.store(c.Dst, r)
}

func (u *unit) narrow(n *lir.Narrow) {
	src := u.use(n.Src, scratch0)
	var bytes int
	signed := true
	switch n.To {
	case meta.KindBoolean:
		bytes, signed = 1, false
	case meta.KindByte:
		bytes = 1
	case meta.KindChar:
		bytes, signed = 2, false
	case meta.KindShort:
		bytes = 2
	default:
		u.store(n.Dst, src)
		return
	}
	d := amd64.Reg32(scratch0)
	u.emit(amd64.MovExtend(d, amd64.RegSized(src.ID(), bytes), bytes, signed))
	u.store(n.Dst, d)
}

// poll emits a safepoint poll. A near poll tests the polling page through
// a rip-relative operand the installer patches; a far poll loads the
// address first. The mark sits on the test instruction.
func (u *unit) poll(ret, far bool, info *lir.DebugInfo) {
	var mark asm.MarkKind
	switch {
	case ret && far:
		mark = asm.MarkPollReturnFar
	case ret:
		mark = asm.MarkPollReturnNear
	case far:
		mark = asm.MarkPollFar
	default:
		mark = asm.MarkPollNear
	}
	addr := u.e.rt.PollingAddress
	mem := amd64.RipAbsolute(addr)
	if far {
		u.emit(amd64.Movabs(amd64.Reg64(scratch0), addr))
		mem = amd64.Mem(amd64.Reg64(scratch0))
	}
	u.emit(asm.Mark(mark))
	off := u.ctx.Len()
	u.emit(amd64.TestMem(mem, amd64.Reg32(amd64.RAX)))
	u.polls = append(u.polls, code.PollSite{Offset: off, Far: far, Return: ret})
	u.infopoint(off, info, code.InfopointSafepoint)
}

// tableSwitch bounds-checks the key, then jumps through a table of 32-bit
// offsets emitted inline after the dispatch.
func (u *unit) tableSwitch(s *lir.TableSwitch) {
	n := len(s.Targets)
	fault.Guarantee(n > 0, "amd64: table switch without targets")
	fault.Guarantee(fitsInt32(s.Low), "amd64: table switch low %d does not fit", s.Low)
	key := sized(scratch0, s.Value)
	u.load(key, s.Value)
	if s.Low != 0 {
		u.emit(amd64.SubRegImm(key, int32(s.Low)))
	}
	table := u.newLabel("table")
	u.emit(
		amd64.CmpRegImm(key, int32(n-1)),
		amd64.JumpIf(amd64.CondAbove, blockLabel(s.Default)),
		amd64.LoadAddress(amd64.Reg64(scratch1), amd64.RipLabel(table)),
		amd64.MovExtend(amd64.Reg64(scratch0), amd64.MemIndex(amd64.Reg64(scratch1), amd64.Reg64(scratch0), 4), 4, true),
		amd64.AddRegReg(amd64.Reg64(scratch0), amd64.Reg64(scratch1)),
		amd64.JumpReg(amd64.Reg64(scratch0)),
		amd64.Align(4, 0),
		asm.MarkLabel(table),
	)
	start := u.ctx.Len()
	for _, t := range s.Targets {
		u.emit(amd64.JumpTableEntry(table, blockLabel(t)))
	}
	u.tables = append(u.tables, code.JumpTable{Offset: start, Low: s.Low, Entries: n})
}

// unwind tears down the frame and tail-calls the unwind stub with the
// exception and the return address.
func (u *unit) unwind(w *lir.Unwind) {
	cc := w.Stub.Convention
	fault.Guarantee(len(cc.Arguments) == 2 && cc.Arguments[0].IsRegister() && cc.Arguments[1].IsRegister(),
		"amd64: %s must take two register arguments", w.Stub.Name)
	u.load(amd64.Reg64(scratch0), w.Exception)
	u.leaveFrame()
	u.emit(
		amd64.MovReg(amd64.Reg64(gpr(cc.Arguments[0].Register)), amd64.Reg64(scratch0)),
		amd64.MovFromMemory(amd64.Reg64(gpr(cc.Arguments[1].Register)), amd64.Mem(amd64.Reg64(amd64.RSP))),
		amd64.JumpSymbol(w.Stub.Symbol()),
	)
}

// jumpToHandler leaves the frame and continues at the handler with the
// exception and pc in their fixed registers. When the call site returned
// through a method handle the stack pointer is restored from the frame
// pointer.
func (u *unit) jumpToHandler(j *lir.JumpToExceptionHandlerInCaller) {
	u.load(amd64.Reg64(scratch1), j.Handler)
	u.leaveFrame()
	u.emit(
		amd64.CmpMemImm(amd64.Mem(u.thread()).WithDisp(j.MethodHandleFlag), 4, 0),
		amd64.Cmov(amd64.CondNotEqual, amd64.Reg64(amd64.RSP), amd64.Reg64(amd64.RBP)),
		amd64.JumpReg(amd64.Reg64(scratch1)),
	)
}
