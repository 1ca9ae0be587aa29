package target

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/meta"
)

func eightRegisterTarget() *RegisterConfig {
	d := Description{Name: "test8", WordSize: 8}
	var params []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("r%d", i)
		d.Registers = append(d.Registers, Register{Name: name, Number: i, Category: CategoryCPU})
		if i < 8 {
			params = append(params, name)
		}
	}
	d.Registers = append(d.Registers, Register{Name: "f0", Number: 12, Category: CategoryXMM})
	d.ManagedParameters = params
	d.NativeParameters = params
	d.FloatParameters = []string{"f0"}
	d.IntegerReturn = "r0"
	d.FloatReturn = "f0"
	d.AllocationOrder = []string{"r9", "r10", "r11", "f0"}
	d.StackPointer = "r11"
	return NewRegisterConfig(d)
}

func repeatKind(k meta.Kind, n int) []meta.Kind {
	out := make([]meta.Kind, n)
	for i := range out {
		out[i] = k
	}
	return out
}

func TestTenIntsOnEightRegisters(t *testing.T) {
	rc := eightRegisterTarget()
	cc := rc.CallingConvention(repeatKind(meta.KindInt, 10), ConventionManagedCall, false)

	for i := 0; i < 8; i++ {
		loc := cc.Arguments[i]
		if !loc.IsRegister() || loc.Register.Name != fmt.Sprintf("r%d", i) {
			t.Fatalf("arg %d=%s, want r%d", i, loc, i)
		}
	}
	for i, want := range []int{0, 8} {
		loc := cc.Arguments[8+i]
		if !loc.IsStack() || loc.Offset != want {
			t.Fatalf("arg %d=%s, want stack+%d", 8+i, loc, want)
		}
	}
	if cc.StackSize != 16 {
		t.Fatalf("StackSize=%d, want 16", cc.StackSize)
	}
}

func TestConventionRegisterPrefixProperty(t *testing.T) {
	rc := eightRegisterTarget()
	kinds := []meta.Kind{meta.KindInt, meta.KindLong, meta.KindObject, meta.KindByte, meta.KindChar}
	for n := 0; n <= 12; n++ {
		args := make([]meta.Kind, n)
		for i := range args {
			args[i] = kinds[i%len(kinds)]
		}
		cc := rc.CallingConvention(args, ConventionManagedCall, false)
		k := n
		if k > 8 {
			k = 8
		}
		offset := 0
		for i, loc := range cc.Arguments {
			if i < k {
				if !loc.IsRegister() {
					t.Fatalf("n=%d arg %d=%s, want register", n, i, loc)
				}
				continue
			}
			if !loc.IsStack() || loc.Offset != offset {
				t.Fatalf("n=%d arg %d=%s, want stack+%d", n, i, loc, offset)
			}
			if loc.Offset%rc.WordSize() != 0 {
				t.Fatalf("n=%d arg %d offset %d not word aligned", n, i, loc.Offset)
			}
			offset += rc.WordSize()
		}
		if cc.StackSize != offset {
			t.Fatalf("n=%d StackSize=%d, want %d", n, cc.StackSize, offset)
		}
	}
}

func TestStackOnlyConvention(t *testing.T) {
	rc := NewAMD64(AMD64Options{})
	cc := rc.CallingConvention([]meta.Kind{meta.KindInt, meta.KindDouble, meta.KindObject}, ConventionManagedCall, true)
	for i, want := range []int{0, 8, 16} {
		if loc := cc.Arguments[i]; !loc.IsStack() || loc.Offset != want {
			t.Fatalf("arg %d=%s, want stack+%d", i, loc, want)
		}
	}
	if !cc.StackArguments() || cc.StackSize != 24 {
		t.Fatalf("StackSize=%d", cc.StackSize)
	}
}

func TestAMD64ParameterOrder(t *testing.T) {
	rc := NewAMD64(AMD64Options{})
	kinds := []meta.Kind{meta.KindObject, meta.KindInt, meta.KindDouble, meta.KindLong}

	managed := rc.MethodConvention(meta.KindDouble, kinds, ConventionManagedCall, false)
	got := []string{managed.Arguments[0].Register.Name, managed.Arguments[1].Register.Name, managed.Arguments[2].Register.Name, managed.Arguments[3].Register.Name}
	if strings.Join(got, ",") != "rsi,rdx,xmm0,rcx" {
		t.Fatalf("managed registers=%v", got)
	}
	if managed.Return.Register.Name != "xmm0" {
		t.Fatalf("return=%s, want xmm0", managed.Return)
	}

	native := rc.MethodConvention(meta.KindLong, kinds, ConventionNativeCall, false)
	if native.Arguments[0].Register.Name != "rdi" || native.Arguments[3].Register.Name != "rdx" {
		t.Fatalf("native=%s", native)
	}
	if native.Return.Register.Name != "rax" {
		t.Fatalf("return=%s, want rax", native.Return)
	}
	if void := rc.ReturnLocation(meta.KindVoid); void.Kind != LocationNone {
		t.Fatalf("void return=%s", void)
	}
}

func TestUnsupportedKindIsFatal(t *testing.T) {
	rc := NewAMD64(AMD64Options{})
	err := fault.Catch(func() {
		rc.CallingConvention([]meta.Kind{meta.KindInt, meta.KindVoid}, ConventionManagedCall, false)
	})
	if !fault.IsFatal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
}

func TestAMD64ReservedRegisters(t *testing.T) {
	plain := NewAMD64(AMD64Options{})
	for _, r := range plain.Allocatable() {
		switch r.Name {
		case "rsp", "rbp", "r15", "r10", "r11", "xmm15":
			t.Fatalf("reserved register %s is allocatable", r.Name)
		}
	}
	if first := plain.Allocatable()[0].Name; first != "r8" {
		t.Fatalf("first allocatable=%s, want r8", first)
	}
	if !containsRegister(plain.Allocatable(), "r12") {
		t.Fatalf("r12 should be allocatable without compressed oops")
	}

	compressed := NewAMD64(AMD64Options{CompressedOops: true})
	if containsRegister(compressed.Allocatable(), "r12") {
		t.Fatalf("r12 allocatable with compressed oops")
	}
	if compressed.HeapBase().Name != "r12" {
		t.Fatalf("heap base=%s", compressed.HeapBase())
	}
}

func containsRegister(regs []Register, name string) bool {
	for _, r := range regs {
		if r.Name == name {
			return true
		}
	}
	return false
}

func TestAllocationRestriction(t *testing.T) {
	rc := NewAMD64(AMD64Options{})
	ac, err := NewAllocationConfig(rc, []string{"rax", "rbx", "r8", "r15", "xmm3"})
	if err != nil {
		t.Fatalf("NewAllocationConfig: %v", err)
	}
	var names []string
	for _, r := range ac.Order() {
		names = append(names, r.Name)
	}
	if got := strings.Join(names, ","); got != "r8,rbx,rax,xmm3" {
		t.Fatalf("order=%s, want r8,rbx,rax,xmm3", got)
	}
	if n := len(ac.Registers(CategoryXMM)); n != 1 {
		t.Fatalf("xmm registers=%d, want 1", n)
	}

	if _, err := NewAllocationConfig(rc, []string{"eax"}); err == nil {
		t.Fatalf("expected unknown register error")
	}
	if _, err := NewAllocationConfig(rc, []string{"rsp"}); err == nil {
		t.Fatalf("expected empty restriction error")
	}

	all, err := NewAllocationConfig(rc, nil)
	if err != nil || len(all.Order()) != len(rc.Allocatable()) {
		t.Fatalf("unrestricted order=%d err=%v", len(all.Order()), err)
	}
}

func TestPTXHasNoRegisters(t *testing.T) {
	rc := NewPTX()
	cc := rc.CallingConvention([]meta.Kind{meta.KindObject, meta.KindInt}, ConventionManagedCallee, false)
	if cc.Arguments[0].Offset != 0 || cc.Arguments[1].Offset != 8 || cc.StackSize != 16 {
		t.Fatalf("ptx convention=%s", cc)
	}
	if len(rc.Allocatable()) != 0 {
		t.Fatalf("ptx allocatable=%v", rc.Allocatable())
	}
}

func TestStaticIntLongSignature(t *testing.T) {
	rc := eightRegisterTarget()
	cc := rc.MethodConvention(meta.KindInt, []meta.Kind{meta.KindInt, meta.KindLong}, ConventionManagedCall, false)
	if cc.Arguments[0].Register.Name != "r0" || cc.Arguments[1].Register.Name != "r1" {
		t.Fatalf("convention=%s", cc)
	}
	if cc.Return.Register.Name != "r0" || cc.StackSize != 0 {
		t.Fatalf("return=%s stack=%d", cc.Return, cc.StackSize)
	}
}
