package compiler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/backend"
	_ "github.com/tinyrange/codegen/internal/backend/amd64"
	_ "github.com/tinyrange/codegen/internal/backend/ptx"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/kernel"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

var holder = &meta.Type{Name: "app.Math", Kind: meta.KindObject, Fingerprint: 3}

func staticMethod(name string, ret meta.Kind, params ...meta.Kind) *meta.Method {
	m := &meta.Method{Name: name, Holder: holder, Static: true, Return: ret}
	for _, k := range params {
		m.Params = append(m.Params, meta.Param{Kind: k})
	}
	return m
}

func madd(name string) *ir.Graph {
	b := ir.NewBuilder(staticMethod(name, meta.KindInt, meta.KindInt, meta.KindInt))
	prod := b.Binary(ir.BinMul, b.Param(0), b.Param(1))
	b.Return(b.Binary(ir.BinAdd, prod, b.Int(3)))
	return b.G
}

func newCompiler(t *testing.T, name string, opts Options) *Compiler {
	t.Helper()
	tgt, err := backend.New(name, backend.Config{Runtime: target.DefaultRuntime()})
	if err != nil {
		t.Fatalf("backend.New(%s): %v", name, err)
	}
	opts.Target = tgt
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCompileHostUnit(t *testing.T) {
	c := newCompiler(t, "amd64", Options{ResolveConstants: true})
	r, err := c.CompileUnit(context.Background(), madd("madd"))
	if err != nil {
		t.Fatalf("CompileUnit: %v", err)
	}
	if r.Artifact.Target != "amd64" || len(r.Artifact.Code) == 0 {
		t.Fatalf("artifact = %s with %d bytes", r.Artifact.Target, len(r.Artifact.Code))
	}
	if r.Allocation == nil {
		t.Fatalf("host unit was not register allocated")
	}
	if r.ID != r.Artifact.ID {
		t.Fatalf("compile id %s differs from artifact id %s", r.ID, r.Artifact.ID)
	}
	found := false
	for _, m := range r.Artifact.Marks {
		found = found || m.Kind == asm.MarkVerifiedEntry
	}
	if !found {
		t.Fatalf("no verified entry mark in %v", r.Artifact.Marks)
	}
}

func TestCompileDeviceUnit(t *testing.T) {
	c := newCompiler(t, "ptx", Options{ResolveConstants: true})
	r, err := c.CompileUnit(context.Background(), madd("madd"))
	if err != nil {
		t.Fatalf("CompileUnit: %v", err)
	}
	if r.Allocation != nil {
		t.Fatalf("device unit was register allocated")
	}
	if text := string(r.Artifact.Code); !strings.Contains(text, ".visible .entry app_Math_madd(") {
		t.Fatalf("unexpected kernel text:\n%s", text)
	}
}

func TestNewRejectsRegisters(t *testing.T) {
	tgt, err := backend.New("amd64", backend.Config{Runtime: target.DefaultRuntime()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Target: tgt, Registers: []string{"rax", "nope"}}); err == nil {
		t.Fatalf("accepted an unknown register")
	}
	dev, err := backend.New("ptx", backend.Config{Runtime: target.DefaultRuntime()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Target: dev, Registers: []string{"rax"}}); err == nil {
		t.Fatalf("accepted a register restriction for a virtual register target")
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("accepted a missing target")
	}
}

func typeUnit(t *meta.Type) *ir.Graph {
	b := ir.NewBuilder(staticMethod("leak", meta.KindObject))
	b.Return(b.Const(ir.TypeConstant(t)))
	return b.G
}

func TestFatalErrorsAreRecovered(t *testing.T) {
	broken := &meta.Type{Name: "app.Broken", Kind: meta.KindObject}
	tests := []struct {
		name    string
		target  string
		resolve bool
	}{
		{"resolved", "amd64", true},
		{"unresolved", "amd64", false},
		{"device", "ptx", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompiler(t, tt.target, Options{ResolveConstants: tt.resolve})
			r, err := c.CompileUnit(context.Background(), typeUnit(broken))
			if !fault.IsFatal(err) {
				t.Fatalf("err = %v, want a fatal error", err)
			}
			if r != nil || !strings.Contains(err.Error(), "fingerprint") {
				t.Fatalf("result %v, err %v; want no result and a fingerprint error", r, err)
			}
		})
	}

	c := newCompiler(t, "amd64", Options{})
	if _, err := c.CompileUnit(context.Background(), typeUnit(holder)); err != nil {
		t.Fatalf("nonzero fingerprint without resolution: %v", err)
	}
}

func TestCompileAll(t *testing.T) {
	c := newCompiler(t, "amd64", Options{Workers: 3})
	names := []string{"a", "b", "c", "d", "e"}
	var graphs []*ir.Graph
	for _, n := range names {
		graphs = append(graphs, madd(n))
	}
	var done atomic.Int32
	results, err := c.CompileAll(context.Background(), graphs, func(*Result) { done.Add(1) })
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	if int(done.Load()) != len(names) {
		t.Fatalf("done called %d times, want %d", done.Load(), len(names))
	}
	for i, r := range results {
		if r.LIR.Method.Name != names[i] {
			t.Fatalf("result %d is %s, want %s", i, r.LIR.Method.Name, names[i])
		}
	}
}

func TestCompileAllStopsOnError(t *testing.T) {
	c := newCompiler(t, "amd64", Options{Workers: 2})
	bad := ir.NewBuilder(staticMethod("bad", meta.KindInt))
	merge := bad.NewMerge(false)
	bad.Goto(merge)
	phi := bad.Phi(meta.KindInt, merge, bad.Int(1), bad.Int(2))
	bad.SetCurrent(merge)
	bad.Return(phi)
	if _, err := c.CompileAll(context.Background(), []*ir.Graph{madd("ok"), bad.G}, nil); err == nil {
		t.Fatalf("CompileAll accepted an invalid graph")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CompileAll(ctx, []*ir.Graph{madd("late")}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

type device struct{ entry uintptr }

func (d device) Initialize() error                              { return nil }
func (d device) GenerateKernel([]byte, string) (uintptr, error) { return d.entry, nil }
func (d device) AvailableProcessors() int                       { return 64 }

func TestKernelInstallCompilesWrapperForHost(t *testing.T) {
	acc := kernel.NewAccelerator(kernel.Config{
		Device:  device{entry: 0xdead_0000},
		Kernels: newCompiler(t, "ptx", Options{}),
		Host:    newCompiler(t, "amd64", Options{ResolveConstants: true}),
		Wrapper: kernel.WrapperConfig{Runtime: target.DefaultRuntime()},
	})
	h, err := acc.CompileAndInstall(madd("madd"))
	if err != nil {
		t.Fatalf("CompileAndInstall: %v", err)
	}
	if h.Kernel.Target != "ptx" || h.Wrapper.Target != "amd64" {
		t.Fatalf("kernel on %s, wrapper on %s", h.Kernel.Target, h.Wrapper.Target)
	}
	calls := 0
	for _, cs := range h.Wrapper.CallSites {
		if cs.Target == "execute_kernel" {
			calls++
		}
	}
	if calls != 1 {
		t.Fatalf("wrapper has %d launch calls, want 1", calls)
	}
}
