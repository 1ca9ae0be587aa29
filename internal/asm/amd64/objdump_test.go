package amd64

import (
	"testing"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/asm/testutil"
)

func TestKitchenSinkDisassembly(t *testing.T) {
	frag, want := kitchenSink()

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	insns := testutil.Disassemble(t, "amd64", prog.Bytes()[:prog.TextSize()])
	testutil.Expect(t, insns, want)
}

type sinkBuilder struct {
	fragments []asm.Fragment
	want      []testutil.Want
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	if frag == nil {
		return
	}
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(mnemonic string, frag asm.Fragment, operands ...string) {
	b.append(frag)
	b.want = append(b.want, testutil.Want{Mnemonic: mnemonic, Operands: operands})
}

func (b *sinkBuilder) fragment() asm.Fragment {
	return asm.Group(b.fragments)
}

func kitchenSink() (asm.Fragment, []testutil.Want) {
	var builder sinkBuilder

	builder.add("push", Push(Reg64(RBP)), "%rbp")
	builder.add("mov", MovReg(Reg64(RBP), Reg64(RSP)), "%rsp,%rbp")
	builder.add("sub", SubRegImm(Reg64(RSP), 0x30), "$0x30,%rsp")
	builder.add("mov", MovToMemory(Mem(Reg64(RSP)).WithDisp(-0x3000), Reg64(RAX)), "%rax,-0x3000(%rsp)")
	builder.add("movabs", Movabs(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	builder.add("mov", MovFromMemory(Reg64(RBX), Mem(Reg64(RSP)).WithDisp(0x18)), "0x18(%rsp),%rbx")
	builder.add("", MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), "movz", "0x10(%rdi)", "%r12")
	builder.add("movslq", MovExtend(Reg64(RAX), MemIndex(Reg64(RCX), Reg64(RDX), 4), 4, true), "(%rcx,%rdx,4),%rax")
	builder.add("movl", MovImmToMemory(Mem(Reg64(RDX)).WithDisp(0x5), 4, 0x7f), "$0x7f,0x5(%rdx)")
	builder.add("add", AddRegReg(Reg64(R14), Reg64(R15)), "%r15,%r14")
	builder.add("cmp", CmpRegMem(Reg64(RAX), Mem(Reg64(RSI)).WithDisp(8)), "0x8(%rsi),%rax")
	builder.add("cmpl", CmpMemImm(Mem(Reg64(R15)).WithDisp(0x40), 4, 0), "$0x0,0x40(%r15)")
	builder.add("imul", ImulRegImm(Reg64(RAX), Reg64(RCX), 3), "$0x3,%rcx,%rax")
	builder.add("shl", ShlRegImm(Reg64(RCX), 3), "$0x3,%rcx")
	builder.add("sar", SarRegCL(Reg32(RDX)), "%cl,%edx")
	builder.add("cmovne", Cmov(CondNotEqual, Reg64(RSP), Reg64(RBP)), "%rbp,%rsp")
	builder.add("setl", Setcc(CondLess, Reg64(RAX)), "%al")
	builder.add("lock", LockCmpxchg(Mem(Reg64(RDX)), Reg64(RCX)), "cmpxchg", "%rcx,(%rdx)")
	builder.add("test", TestMem(Mem(Reg64(R11)), Reg32(RAX)), "%eax,(%r11)")
	builder.add("test", TestMem(RipAbsolute(0), Reg32(RAX)), "(%rip)")
	builder.add("lea", LoadAddress(Reg64(R10), RipLabel("table")), "(%rip),%r10")
	builder.add("movsd", MovFloat(Reg64(XMM1), Mem(Reg64(RAX)), true), "(%rax),%xmm1")
	builder.add("addss", AddFloat(Reg32(XMM2), Reg32(XMM3), false), "%xmm3,%xmm2")
	builder.add("ucomisd", CompareFloat(Reg64(XMM0), Reg64(XMM9), true), "%xmm9,%xmm0")
	builder.add("movq", MovToXMM(Reg64(XMM0), Reg64(RAX)), "%rax,%xmm0")
	builder.add("call", CallReg(Reg64(R11)), "*%r11")
	builder.add("jmp", JumpReg(Reg64(RAX)), "*%rax")
	builder.add("ja", JumpIfAbove(asm.Label("table")))
	builder.add("leave", Leave())
	builder.add("ret", Ret())
	builder.append(asm.MarkLabel("table"))

	return builder.fragment(), builder.want
}
