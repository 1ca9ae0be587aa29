package code

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/asm/amd64"
	"github.com/tinyrange/codegen/internal/ir"
)

func newCache(t *testing.T, size int) *Cache {
	t.Helper()
	c, err := NewCache(size, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Release() })
	return c
}

// buildArtifact assembles a small unit with a data slot, a near poll of
// poll and a call to "stub".
func buildArtifact(t *testing.T, name string, poll uint64) (*Artifact, *ir.Constant) {
	t.Helper()
	ctx := amd64.NewContext()
	slot := ctx.AddData(make([]byte, 8), 8)
	frag := asm.Group{
		asm.Mark(asm.MarkVerifiedEntry),
		amd64.MovFromMemory(amd64.Reg64(amd64.RAX), amd64.RipData(slot)),
		asm.Mark(asm.MarkPollNear),
		amd64.TestMem(amd64.RipAbsolute(poll), amd64.Reg32(amd64.RAX)),
		amd64.CallSymbol("stub"),
		amd64.Ret(),
	}
	if err := frag.Emit(ctx); err != nil {
		t.Fatalf("emit: %v", err)
	}
	prog, err := ctx.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	a := FromProgram(name, "amd64", prog)
	c := ir.StringConstant("hello")
	a.DataPatches = []DataPatch{{Offset: len(a.Code) + slot, Constant: c}}
	return a, c
}

func TestInstallPatchesAndIndexes(t *testing.T) {
	cache := newCache(t, 1<<16)
	low, high := cache.Bounds()
	if high-low != 1<<16 {
		t.Fatalf("bounds=[%#x,%#x), want 64KiB", low, high)
	}
	poll := low + 0x800
	a, want := buildArtifact(t, "first", poll)

	stub := uintptr(low + 0x400)
	r := Resolver{
		Symbol: func(name string) (uintptr, bool) { return stub, name == "stub" },
		Constant: func(c *ir.Constant) (uint64, bool) {
			return 0xdead_beef, c == want
		},
	}
	in, err := cache.Install(a, r)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	img := cache.Bytes(in)

	slot := a.DataPatches[0].Offset
	if got := binary.LittleEndian.Uint64(img[slot:]); got != 0xdead_beef {
		t.Fatalf("data slot=%#x, want 0xdeadbeef", got)
	}
	pollMark, _ := a.Mark(asm.MarkPollNear)
	pollEnd := pollMark + 6
	disp := int32(binary.LittleEndian.Uint32(img[pollEnd-4:]))
	if got := int64(in.Start) + int64(pollEnd) + int64(disp); uint64(got) != poll {
		t.Fatalf("poll resolves to %#x, want %#x", got, poll)
	}
	if entry, ok := in.Entry(asm.MarkVerifiedEntry); !ok || entry != in.Start {
		t.Fatalf("entry=%#x,%v", entry, ok)
	}

	if got, ok := cache.Lookup(in.Start + 3); !ok || got != in {
		t.Fatalf("Lookup inside artifact failed")
	}
	if _, ok := cache.Lookup(in.End); ok {
		t.Fatalf("Lookup past the end found an artifact")
	}

	b, _ := buildArtifact(t, "second", poll)
	in2, err := cache.Install(b, r)
	if err != nil {
		t.Fatalf("Install second: %v", err)
	}
	if in2.Start <= in.Start || (in2.Start-uintptr(low))%uintptr(pageSize()) != 0 {
		t.Fatalf("second artifact at %#x is not on a fresh page", in2.Start)
	}
	if got, ok := cache.Lookup(in2.Start); !ok || got.Artifact.Name != "second" {
		t.Fatalf("Lookup(second)=%v,%v", got, ok)
	}
	if n := len(cache.Installed()); n != 2 {
		t.Fatalf("installed=%d, want 2", n)
	}
}

func TestInstallUnresolvedSymbol(t *testing.T) {
	cache := newCache(t, 1<<16)
	low, _ := cache.Bounds()
	a, _ := buildArtifact(t, "f", low)
	if _, err := cache.Install(a, Resolver{}); err == nil {
		t.Fatalf("expected an unresolved symbol error")
	}
	if n := len(cache.Installed()); n != 0 {
		t.Fatalf("failed install left %d artifacts", n)
	}
}

func TestCacheFull(t *testing.T) {
	cache := newCache(t, pageSize())
	a := &Artifact{Name: "big", Target: "amd64", Code: make([]byte, pageSize()+1)}
	if _, err := cache.Install(a, Resolver{}); err == nil {
		t.Fatalf("expected cache full error")
	}
}

func TestELFWrapsImage(t *testing.T) {
	a, _ := buildArtifact(t, "f", 0x7000_0000)
	data, err := a.ELF(ELFConfig{})
	if err != nil {
		t.Fatalf("ELF: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	if f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		t.Fatalf("machine=%v type=%v", f.Machine, f.Type)
	}
	cfg := DefaultELFConfig()
	if f.Entry != cfg.BaseAddress+uint64(a.Entry()) {
		t.Fatalf("entry=%#x", f.Entry)
	}
	if len(f.Progs) != 1 || f.Progs[0].Filesz != uint64(a.Size()) {
		t.Fatalf("segments=%v", f.Progs)
	}
	if !bytes.Equal(data[cfg.SegmentOffset:], a.Image()) {
		t.Fatalf("segment does not hold the image")
	}

	a.Target = "ptx"
	if _, err := a.ELF(ELFConfig{}); err == nil {
		t.Fatalf("expected an error for a target without an ELF machine")
	}
}
