package ptx

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/codegen/internal/backend"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/lirgen"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

var holder = &meta.Type{Name: "app.Kernels", Kind: meta.KindObject, Fingerprint: 3}

func staticMethod(name string, ret meta.Kind, params ...meta.Kind) *meta.Method {
	m := &meta.Method{Name: name, Holder: holder, Static: true, Return: ret}
	for _, k := range params {
		m.Params = append(m.Params, meta.Param{Kind: k})
	}
	return m
}

func emit(t *testing.T, res *lir.LIR) string {
	t.Helper()
	a, err := NewEmitter(target.NewPTX(), nil).Emit(res)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if a.FrameSize != 0 {
		t.Fatalf("frame size = %d, want 0", a.FrameSize)
	}
	if a.Target != Name {
		t.Fatalf("target = %q, want %q", a.Target, Name)
	}
	return string(a.Code)
}

func wantLines(t *testing.T, text string, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if !strings.Contains(text, l) {
			t.Fatalf("missing %q in\n%s", l, text)
		}
	}
}

func TestClassifyPromotesAndNeverNarrows(t *testing.T) {
	res := lir.New(staticMethod("k", meta.KindVoid))
	a := res.NewVariable(meta.KindInt)
	b := res.NewVariable(meta.KindFloat)
	c := res.NewVariable(meta.KindLong)
	res.NewVariable(meta.KindInt) // never used
	d := res.NewVariable(meta.KindInt)

	blk := res.NewBlock(false)
	blk.Append(&lir.Move{Dst: a, Src: lir.IntConst(1)})
	wideA := a
	wideA.Type = meta.KindLong
	blk.Append(&lir.Move{Dst: c, Src: wideA})
	blk.Append(&lir.Move{Dst: b, Src: lir.Const(ir.FloatConstant(1))})
	wideB := b
	wideB.Type = meta.KindDouble
	blk.Append(&lir.Reinterpret{Dst: c, Src: wideB})
	narrowC := c
	narrowC.Type = meta.KindInt
	blk.Append(&lir.Move{Dst: d, Src: narrowC})
	blk.Append(&lir.Return{})

	decls := ClassifyRegisters(res)
	for _, tc := range []struct {
		v    lir.Value
		want Class
	}{
		{a, ClassS64},
		{b, ClassF64},
		{c, ClassS64},
		{d, ClassS32},
	} {
		if got := decls.Class(tc.v.Index); got != tc.want {
			t.Fatalf("class of %s = %s, want %s", tc.v, got, tc.want)
		}
	}
	if got := decls.Class(3); got != ClassNone {
		t.Fatalf("unused variable class = %s, want none", got)
	}
	if got, want := decls.Group(ClassS64), []int{0, 2}; !slices.Equal(got, want) {
		t.Fatalf("s64 group = %v, want %v", got, want)
	}
	want := []string{
		".reg .s32 %r4;",
		".reg .s64 %rd0, %rd2;",
		".reg .f64 %fd1;",
	}
	if got := decls.Lines(); !slices.Equal(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

func TestClassifyRejectsMixedFamilies(t *testing.T) {
	res := lir.New(staticMethod("k", meta.KindVoid))
	v := res.NewVariable(meta.KindInt)
	asFloat := v
	asFloat.Type = meta.KindFloat
	blk := res.NewBlock(false)
	blk.Append(&lir.Move{Dst: v, Src: lir.IntConst(1)})
	blk.Append(&lir.Move{Dst: res.NewVariable(meta.KindFloat), Src: asFloat})
	blk.Append(&lir.Return{})

	err := fault.Catch(func() { ClassifyRegisters(res) })
	if !fault.IsFatal(err) {
		t.Fatalf("err = %v, want a fatal error", err)
	}
}

func TestKernelFromGraph(t *testing.T) {
	m := staticMethod("madd", meta.KindInt, meta.KindInt, meta.KindInt)
	b := ir.NewBuilder(m)
	prod := b.Binary(ir.BinMul, b.Param(0), b.Param(1))
	b.Return(b.Binary(ir.BinAdd, prod, b.Int(3)))

	res, err := lirgen.Generate(b.G, lirgen.Options{Registers: target.NewPTX(), Runtime: target.DefaultRuntime()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text := emit(t, res)
	wantLines(t, text,
		".visible .entry app_Kernels_madd(",
		".param .s32 param_0,",
		".param .s32 param_1,",
		".param .u64 param_ret",
		".reg .s32 %r0, %r1, %r2, %r3;",
		"ld.param.u64 %rdret, [param_ret];",
		"ld.param.s32 %r0, [param_0];",
		"ld.param.s32 %r1, [param_1];",
		"mul.lo.s32 %r2, %r0, %r1;",
		"add.s32 %r3, %r2, 3;",
		"st.global.s32 [%rdret], %r3;",
		"ret;",
	)
}

func TestBranchesAndPredicates(t *testing.T) {
	res := lir.New(staticMethod("pick", meta.KindVoid, meta.KindLong))
	x := res.NewVariable(meta.KindLong)
	flag := res.NewVariable(meta.KindInt)

	b0 := res.NewBlock(false)
	b1 := res.NewBlock(false)
	b2 := res.NewBlock(false)
	b0.Append(&lir.Move{Dst: x, Src: lir.IncomingArg(0, meta.KindLong)})
	b0.Append(&lir.Compare{Cond: ir.CondAT, Dst: flag, X: x, Y: lir.LongConst(7)})
	b0.Append(&lir.CompareBranch{Cond: ir.CondEQ, X: flag, Y: lir.IntConst(0), True: 2, False: 1})
	b1.Append(&lir.Store{Kind: meta.KindByte, Base: x, Disp: 4, Src: lir.IntConst(1)})
	b1.Append(&lir.Jump{Target: 2})
	b2.Append(&lir.Return{})

	text := emit(t, res)
	wantLines(t, text,
		".reg .pred %p<2>;",
		"ld.param.s64 %rd0, [param_0];",
		"setp.hi.u64 %p0, %rd0, 7;",
		"selp.s32 %r1, 1, 0, %p0;",
		"setp.eq.s32 %p1, %r1, 0;",
		"@%p1 bra BB2;",
		"mov.b32 %ts32, 1;",
		"st.global.s8 [%rd0+4], %ts32;",
		".reg .s32 %ts32;",
	)
	if strings.Contains(text, "bra.uni") {
		t.Fatalf("fallthrough jumps should be elided:\n%s", text)
	}
	if strings.Contains(text, "param_ret") {
		t.Fatalf("void kernel declares a return parameter:\n%s", text)
	}
}

func TestTableSwitchBecomesCompareChain(t *testing.T) {
	res := lir.New(staticMethod("sw", meta.KindVoid, meta.KindInt))
	v := res.NewVariable(meta.KindInt)
	b0 := res.NewBlock(false)
	b0.Append(&lir.Move{Dst: v, Src: lir.IncomingArg(0, meta.KindInt)})
	b0.Append(&lir.TableSwitch{Value: v, Low: 10, Targets: []int{1, 2}, Default: 3})
	for range 3 {
		res.NewBlock(false).Append(&lir.Return{})
	}

	text := emit(t, res)
	wantLines(t, text,
		"setp.eq.s32 %p0, %r0, 10;",
		"@%p0 bra BB1;",
		"setp.eq.s32 %p1, %r0, 11;",
		"@%p1 bra BB2;",
		"bra.uni BB3;",
	)
}

func TestFloatConversions(t *testing.T) {
	res := lir.New(staticMethod("scale", meta.KindDouble, meta.KindFloat))
	f := res.NewVariable(meta.KindFloat)
	d := res.NewVariable(meta.KindDouble)
	sum := res.NewVariable(meta.KindDouble)
	blk := res.NewBlock(false)
	blk.Append(&lir.Move{Dst: f, Src: lir.IncomingArg(0, meta.KindFloat)})
	blk.Append(&lir.Move{Dst: d, Src: f})
	blk.Append(&lir.Binary{Op: ir.BinMul, Dst: sum, X: d, Y: lir.Const(ir.DoubleConstant(2))})
	blk.Append(&lir.Return{Value: sum})

	text := emit(t, res)
	wantLines(t, text,
		"ld.param.f32 %f0, [param_0];",
		"cvt.f64.f32 %fd1, %f0;",
		"mul.f64 %fd2, %fd1, 0d4000000000000000;",
		"st.global.f64 [%rdret], %fd2;",
	)
}

func TestRuntimeOperationsAreUnsupported(t *testing.T) {
	for _, ins := range []lir.Instruction{
		&lir.SafepointPoll{},
		&lir.ForeignCall{},
		&lir.DirectCall{Method: staticMethod("callee", meta.KindVoid)},
		&lir.CompareAndSwap{Kind: meta.KindInt},
	} {
		t.Run(ins.Name(), func(t *testing.T) {
			res := lir.New(staticMethod("k", meta.KindVoid))
			blk := res.NewBlock(false)
			blk.Append(ins)
			blk.Append(&lir.Return{})
			_, err := NewEmitter(target.NewPTX(), nil).Emit(res)
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("err = %v, want ErrUnsupported", err)
			}
			if fault.IsFatal(err) {
				t.Fatalf("unsupported operation reported as fatal: %v", err)
			}
		})
	}
}

func TestUnimplementedIsFatal(t *testing.T) {
	res := lir.New(staticMethod("k", meta.KindVoid))
	blk := res.NewBlock(false)
	blk.Append(&lir.LoadConstantIndirectly{Dst: res.NewVariable(meta.KindLong), Const: ir.StringConstant("s")})
	blk.Append(&lir.Return{})

	err := fault.Catch(func() { _, _ = NewEmitter(target.NewPTX(), nil).Emit(res) })
	if !fault.IsFatal(err) {
		t.Fatalf("err = %v, want a fatal error", err)
	}
}

func TestBackendRegistration(t *testing.T) {
	tgt, err := backend.New(Name, backend.Config{Runtime: target.DefaultRuntime()})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	if !tgt.VirtualRegisters {
		t.Fatalf("ptx target must use virtual registers")
	}
	if tgt.Foreign != nil {
		t.Fatalf("ptx target has a foreign call table")
	}
	if !slices.Contains(backend.Names(), Name) {
		t.Fatalf("%q missing from %v", Name, backend.Names())
	}
}
