package amd64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/codegen/internal/asm"
)

func assemble(t *testing.T, frags ...asm.Fragment) asm.Program {
	t.Helper()
	prog, err := EmitProgram(asm.Group(frags))
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	return prog
}

func TestEncodingGolden(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want []byte
	}{
		{"mov_reg", MovReg(Reg64(RAX), Reg64(RBX)), []byte{0x48, 0x8B, 0xC3}},
		{"push_rbp", Push(Reg64(RBP)), []byte{0x55}},
		{"pop_r12", Pop(Reg64(R12)), []byte{0x41, 0x5C}},
		{"test_far_poll", TestMem(Mem(Reg64(R11)), Reg32(RAX)), []byte{0x41, 0x85, 0x03}},
		{"movabs", MovImmediate(Reg64(R11), 0x1122334455667788), []byte{0x49, 0xBB, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{"mov_imm_sext", MovImmediate(Reg64(RAX), -1), []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"sub_rsp", SubRegImm(Reg64(RSP), 0x28), []byte{0x48, 0x83, 0xEC, 0x28}},
		{"store_rsp_disp", MovToMemory(Mem(Reg64(RSP)).WithDisp(8), Reg64(RAX)), []byte{0x48, 0x89, 0x44, 0x24, 0x08}},
		{"load_rbp_zero_disp", MovFromMemory(Reg64(RAX), Mem(Reg64(RBP))), []byte{0x48, 0x8B, 0x45, 0x00}},
		{"movsxd_index", MovExtend(Reg64(RAX), MemIndex(Reg64(RCX), Reg64(RDX), 4), 4, true), []byte{0x48, 0x63, 0x04, 0x91}},
		{"cmovne", Cmov(CondNotEqual, Reg64(RSP), Reg64(RBP)), []byte{0x48, 0x0F, 0x45, 0xE5}},
		{"cmp_thread_flag", CmpMemImm(Mem(Reg64(R15)).WithDisp(0x10), 4, 0), []byte{0x41, 0x83, 0x7F, 0x10, 0x00}},
		{"movsd_load", MovFloat(Reg64(XMM1), Mem(Reg64(RAX)), true), []byte{0xF2, 0x0F, 0x10, 0x08}},
		{"movss_load_high", MovFloat(Reg32(XMM8), Mem(Reg64(RAX)), false), []byte{0xF3, 0x44, 0x0F, 0x10, 0x00}},
		{"movq_to_xmm", MovToXMM(Reg64(XMM0), Reg64(RAX)), []byte{0x66, 0x48, 0x0F, 0x6E, 0xC0}},
		{"lock_cmpxchg", LockCmpxchg(Mem(Reg64(RDX)), Reg64(RCX)), []byte{0xF0, 0x48, 0x0F, 0xB1, 0x0A}},
		{"sete_sil", Setcc(CondEqual, Reg64(RSI)), []byte{0x40, 0x0F, 0x94, 0xC6}},
		{"call_r11", CallReg(Reg64(R11)), []byte{0x41, 0xFF, 0xD3}},
		{"jmp_rax", JumpReg(Reg64(RAX)), []byte{0xFF, 0xE0}},
		{"shl_cl", ShlRegCL(Reg32(RAX)), []byte{0xD3, 0xE0}},
		{"sar_imm", SarRegImm(Reg64(RDX), 3), []byte{0x48, 0xC1, 0xFA, 0x03}},
		{"imul", ImulRegReg(Reg32(RCX), Reg32(RDX)), []byte{0x0F, 0xAF, 0xCA}},
		{"leave_ret", asm.Group{Leave(), Ret()}, []byte{0xC9, 0xC3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := assemble(t, tt.frag)
			if got := prog.Bytes(); !bytes.Equal(got, tt.want) {
				t.Fatalf("bytes=% x, want % x", got, tt.want)
			}
		})
	}
}

func TestNearPollRecordsRelocation(t *testing.T) {
	prog := assemble(t,
		asm.Mark(asm.MarkPollNear),
		TestMem(RipAbsolute(0x7000_0000), Reg32(RAX)),
	)
	want := []byte{0x85, 0x05, 0, 0, 0, 0}
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
	relocs := prog.Relocations()
	if len(relocs) != 1 {
		t.Fatalf("got %d relocations, want 1", len(relocs))
	}
	r := relocs[0]
	if r.Kind != asm.RelocPCRel32 || r.Pos != 2 || r.End != 6 || r.Addend != 0x7000_0000 {
		t.Fatalf("relocation=%+v", r)
	}
	if m, ok := prog.FindMark(asm.MarkPollNear); !ok || m.Pos != 0 {
		t.Fatalf("poll mark=%+v,%v", m, ok)
	}

	code, err := prog.RelocatedCopy(0x7000_1000, func(string) (uintptr, bool) { return 0, false })
	if err != nil {
		t.Fatalf("RelocatedCopy: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(code[2:])); got != -0x1006 {
		t.Fatalf("displacement=%#x, want -0x1006", got)
	}
}

func TestLabelsAndCalls(t *testing.T) {
	prog := assemble(t,
		Jump("done"),
		Nop(1),
		asm.MarkLabel("done"),
		CallSymbol("stub"),
	)
	want := []byte{0xE9, 0x01, 0, 0, 0, 0x90, 0xE8, 0, 0, 0, 0}
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
	code, err := prog.RelocatedCopy(0x1000, func(name string) (uintptr, bool) {
		return 0x2000, name == "stub"
	})
	if err != nil {
		t.Fatalf("RelocatedCopy: %v", err)
	}
	if got := binary.LittleEndian.Uint32(code[7:]); got != 0x2000-(0x1000+11) {
		t.Fatalf("call displacement=%#x", got)
	}
	if _, err := prog.RelocatedCopy(0x1000, func(string) (uintptr, bool) { return 0, false }); err == nil {
		t.Fatalf("expected unresolved symbol error")
	}
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := EmitProgram(Jump("nowhere")); err == nil {
		t.Fatalf("expected undefined label error")
	}
}

func TestDataSectionFollowsText(t *testing.T) {
	ctx := NewContext()
	off := ctx.AddData([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8)
	if err := MovFromMemory(Reg64(RAX), RipData(off)).Emit(ctx); err != nil {
		t.Fatalf("emit: %v", err)
	}
	prog, err := ctx.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if prog.TextSize() != 16 {
		t.Fatalf("TextSize=%d, want 16", prog.TextSize())
	}
	code := prog.Bytes()
	if got := int32(binary.LittleEndian.Uint32(code[3:])); got != 16-7 {
		t.Fatalf("data displacement=%d, want 9", got)
	}
	if code[16] != 1 || len(code) != 24 {
		t.Fatalf("data not placed after text: % x", code)
	}
}

func TestJumpTableEntries(t *testing.T) {
	prog := assemble(t,
		asm.MarkLabel("table"),
		JumpTableEntry("table", "a"),
		JumpTableEntry("table", "b"),
		asm.MarkLabel("a"),
		Nop(3),
		asm.MarkLabel("b"),
		Ret(),
	)
	code := prog.Bytes()
	if got := binary.LittleEndian.Uint32(code[0:]); got != 8 {
		t.Fatalf("entry a=%d, want 8", got)
	}
	if got := binary.LittleEndian.Uint32(code[4:]); got != 11 {
		t.Fatalf("entry b=%d, want 11", got)
	}
}

func TestAlignPadsWithNops(t *testing.T) {
	prog := assemble(t,
		Push(Reg64(RBP)),
		Push(Reg64(RBX)),
		Align(4, 1),
		CallSymbol("target"),
	)
	code := prog.Bytes()
	if code[2] != 0x90 || code[3] != 0xE8 {
		t.Fatalf("bytes=% x, want nop before call", code)
	}
	if r := prog.Relocations()[0]; r.Pos%4 != 0 {
		t.Fatalf("call displacement at %d is not 4-byte aligned", r.Pos)
	}
}
