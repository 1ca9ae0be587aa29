package foreign

import (
	"testing"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

func newRegistry() *Registry {
	return NewRegistry(target.NewAMD64(target.AMD64Options{}))
}

var sqrt = Descriptor{Name: "sqrt", Result: meta.KindDouble, Args: []meta.Kind{meta.KindDouble}}

func TestDuplicateRegistrationIsFatal(t *testing.T) {
	r := newRegistry()
	r.Register(sqrt, 0x1000, Options{Convention: target.ConventionNativeCall})
	err := fault.Catch(func() {
		r.Register(sqrt, 0x2000, Options{Convention: target.ConventionNativeCall})
	})
	if !fault.IsFatal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
	if addr, _ := r.Resolve("sqrt"); addr != 0x1000 {
		t.Fatalf("address=%#x, want first registration kept", addr)
	}
}

func TestReplaceOverwrites(t *testing.T) {
	r := newRegistry()
	r.Register(sqrt, 0x1000, Options{})
	if err := fault.Catch(func() { r.Replace(sqrt, 0x2000, Options{Transition: NotLeaf}) }); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	l := r.Lookup("sqrt")
	if l.Address != 0x2000 || !l.NeedsRuntimePrologue() {
		t.Fatalf("linkage=%s", l)
	}
}

func TestLookupMissingIsFatal(t *testing.T) {
	r := newRegistry()
	err := fault.Catch(func() { r.Lookup("nope") })
	if !fault.IsFatal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
}

func TestSealedRegistryRejectsRegistration(t *testing.T) {
	r := newRegistry()
	r.Seal()
	if !r.Sealed() {
		t.Fatalf("Sealed()=false")
	}
	if err := fault.Catch(func() { r.Register(sqrt, 1, Options{}) }); !fault.IsFatal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
}

func TestLinkageConvention(t *testing.T) {
	r := newRegistry()
	l := r.Register(Descriptor{Name: "mix", Result: meta.KindLong, Args: []meta.Kind{meta.KindLong, meta.KindDouble, meta.KindInt}},
		0x4000, Options{Convention: target.ConventionNativeCall})
	cc := l.Convention
	if cc.Arguments[0].Register.Name != "rdi" || cc.Arguments[1].Register.Name != "xmm0" || cc.Arguments[2].Register.Name != "rsi" {
		t.Fatalf("convention=%s", cc)
	}
	if cc.Return.Register.Name != "rax" {
		t.Fatalf("return=%s", cc.Return)
	}
	if !l.DestroysRegisters() {
		t.Fatalf("linkage should destroy registers by default")
	}
}

func TestRegisterStandard(t *testing.T) {
	r := newRegistry()
	RegisterStandard(r, map[string]uint64{ICMiss: 0x7000})
	for _, name := range StandardNames() {
		if !r.Has(name) {
			t.Fatalf("%s not registered", name)
		}
	}
	if _, ok := r.Resolve(ExceptionHandler); ok {
		t.Fatalf("address-less linkage resolved")
	}
	if addr, ok := r.Resolve(ICMiss); !ok || addr != 0x7000 {
		t.Fatalf("ic_miss=%#x,%v", addr, ok)
	}
	if !r.Lookup(ExecuteKernel).KillsAnyLocation() {
		t.Fatalf("execute_kernel should kill any location")
	}
	if len(r.Names()) != len(StandardNames()) {
		t.Fatalf("Names()=%v", r.Names())
	}
}
