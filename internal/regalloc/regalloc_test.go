package regalloc

import (
	"testing"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

var unit = &meta.Method{Name: "f", Holder: &meta.Type{Name: "T", Kind: meta.KindObject}, Static: true, Return: meta.KindInt}

func amd64Config(t *testing.T, restrict ...string) (*target.RegisterConfig, *target.AllocationConfig) {
	t.Helper()
	rc := target.NewAMD64(target.AMD64Options{})
	ac, err := target.NewAllocationConfig(rc, restrict)
	if err != nil {
		t.Fatalf("NewAllocationConfig: %v", err)
	}
	return rc, ac
}

func reg(t *testing.T, rc *target.RegisterConfig, name string, k meta.Kind) lir.Value {
	t.Helper()
	r, ok := rc.Register(name)
	if !ok {
		t.Fatalf("no register %s", name)
	}
	return lir.Reg(r, k)
}

func allocate(t *testing.T, res *lir.LIR, ac *target.AllocationConfig) *Result {
	t.Helper()
	if err := res.LinkBlocks(); err != nil {
		t.Fatalf("LinkBlocks: %v", err)
	}
	out, err := Allocate(res, ac, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	res.Each(func(b *lir.Block, _ int, ins lir.Instruction) {
		ins.Visit(func(v *lir.Value, _ lir.Role) {
			if v.IsVariable() {
				t.Fatalf("B%d: %s still references a variable", b.ID, ins)
			}
		})
	})
	return out
}

func TestParameterRegistersAreReused(t *testing.T) {
	rc, ac := amd64Config(t, "rdx", "rsi", "rax")
	res := lir.New(unit)
	b := res.NewBlock(false)
	v0 := res.NewVariable(meta.KindInt)
	v1 := res.NewVariable(meta.KindInt)
	v2 := res.NewVariable(meta.KindInt)
	rax := reg(t, rc, "rax", meta.KindInt)
	b.Append(&lir.Move{Dst: v0, Src: reg(t, rc, "rsi", meta.KindInt)})
	b.Append(&lir.Move{Dst: v1, Src: reg(t, rc, "rdx", meta.KindInt)})
	b.Append(&lir.Binary{Op: ir.BinAdd, Dst: v2, X: v0, Y: v1})
	b.Append(&lir.Move{Dst: rax, Src: v2})
	b.Append(&lir.Return{Value: rax})

	out := allocate(t, res, ac)
	want := []string{"rsi", "rdx", "rdx"}
	for i, name := range want {
		if loc := out.Locations[i]; !loc.IsRegister() || loc.Reg.Name != name {
			t.Fatalf("v%d=%s, want %s", i, loc, name)
		}
	}
	if out.MovesRemoved != 2 || out.Spilled != 0 {
		t.Fatalf("removed=%d spilled=%d, want 2 and 0", out.MovesRemoved, out.Spilled)
	}
	if n := len(b.Instructions); n != 4 {
		t.Fatalf("instructions=%d, want 4", n)
	}
}

func TestEvictsLongestInterval(t *testing.T) {
	rc, ac := amd64Config(t, "r8")
	res := lir.New(unit)
	b := res.NewBlock(false)
	long := res.NewVariable(meta.KindInt)
	short := res.NewVariable(meta.KindLong)
	rax := reg(t, rc, "rax", meta.KindInt)
	b.Append(&lir.Move{Dst: long, Src: lir.IntConst(7)})
	b.Append(&lir.Move{Dst: short, Src: lir.LongConst(0x1000)})
	b.Append(&lir.Store{Kind: meta.KindInt, Base: short, Src: lir.IntConst(1)})
	b.Append(&lir.Move{Dst: rax, Src: long})
	b.Append(&lir.Return{Value: rax})

	out := allocate(t, res, ac)
	if !out.Locations[0].IsStack() || out.Locations[0].Area != lir.AreaSpill {
		t.Fatalf("long-lived v0=%s, want a spill slot", out.Locations[0])
	}
	if loc := out.Locations[1]; !loc.IsRegister() || loc.Reg.Name != "r8" {
		t.Fatalf("v1=%s, want r8", loc)
	}
	if out.SpillSlots != 1 || res.SpillSlots != 1 {
		t.Fatalf("spill slots=%d/%d, want 1", out.SpillSlots, res.SpillSlots)
	}
}

func TestValuesLiveAcrossCallsAreSpilled(t *testing.T) {
	rc, ac := amd64Config(t)
	res := lir.New(unit)
	b := res.NewBlock(false)
	across := res.NewVariable(meta.KindInt)
	local := res.NewVariable(meta.KindInt)
	rax := reg(t, rc, "rax", meta.KindInt)
	callee := &meta.Method{Name: "g", Holder: unit.Holder, Static: true, Return: meta.KindVoid}
	b.Append(&lir.Move{Dst: across, Src: lir.IntConst(1)})
	b.Append(&lir.DirectCall{Method: callee, Invoke: ir.InvokeStatic})
	b.Append(&lir.Move{Dst: local, Src: across})
	b.Append(&lir.Move{Dst: rax, Src: local})
	b.Append(&lir.Return{Value: rax})

	out := allocate(t, res, ac)
	if !out.Locations[0].IsStack() {
		t.Fatalf("v0=%s, want spilled across the call", out.Locations[0])
	}
	if !out.Locations[1].IsRegister() {
		t.Fatalf("v1=%s, want a register", out.Locations[1])
	}
}

func TestCompareAndSwapTempIsAvoided(t *testing.T) {
	rc, ac := amd64Config(t, "rax", "rcx")
	res := lir.New(unit)
	b := res.NewBlock(false)
	base := res.NewVariable(meta.KindLong)
	result := res.NewVariable(meta.KindInt)
	rax := reg(t, rc, "rax", meta.KindInt)
	b.Append(&lir.Move{Dst: base, Src: lir.LongConst(0x1000)})
	b.Append(&lir.CompareAndSwap{
		Kind: meta.KindLong, Result: result, Base: base,
		Expected: lir.LongConst(0), New: lir.LongConst(1),
		Temp: reg(t, rc, "rax", meta.KindLong),
	})
	b.Append(&lir.Move{Dst: rax, Src: result})
	b.Append(&lir.Return{Value: rax})

	out := allocate(t, res, ac)
	for i, loc := range out.Locations {
		if loc.IsRegister() && loc.Reg.Name == "rax" {
			t.Fatalf("v%d was given the compare-exchange temp", i)
		}
	}
}

func TestLoopCarriedValueStaysLive(t *testing.T) {
	rc, ac := amd64Config(t)
	res := lir.New(unit)
	entry, loop, exit := res.NewBlock(false), res.NewBlock(true), res.NewBlock(false)
	i := res.NewVariable(meta.KindInt)
	next := res.NewVariable(meta.KindInt)
	rax := reg(t, rc, "rax", meta.KindInt)

	entry.Append(&lir.Move{Dst: i, Src: lir.IntConst(0)})
	entry.Append(&lir.Jump{Target: loop.ID})
	loop.Append(&lir.Binary{Op: ir.BinAdd, Dst: next, X: i, Y: lir.IntConst(1)})
	loop.Append(&lir.Move{Dst: i, Src: next})
	loop.Append(&lir.CompareBranch{Cond: ir.CondLT, X: i, Y: lir.IntConst(10), True: loop.ID, False: exit.ID})
	exit.Append(&lir.Move{Dst: rax, Src: i})
	exit.Append(&lir.Return{Value: rax})

	out := allocate(t, res, ac)
	if out.Locations[0].Same(out.Locations[1]) {
		t.Fatalf("loop variable and its increment share %s", out.Locations[0])
	}
}

func TestUseBeforeDefinition(t *testing.T) {
	_, ac := amd64Config(t)
	res := lir.New(unit)
	b := res.NewBlock(false)
	v := res.NewVariable(meta.KindInt)
	b.Append(&lir.Return{Value: v})
	if err := res.LinkBlocks(); err != nil {
		t.Fatalf("LinkBlocks: %v", err)
	}
	if _, err := Allocate(res, ac, Options{}); err == nil {
		t.Fatalf("expected an error for an undefined variable")
	}
}

func TestVarSet(t *testing.T) {
	s := newVarSet(130)
	for _, i := range []int{0, 64, 129} {
		s.add(i)
	}
	s.remove(64)
	var got []int
	s.each(func(i int) { got = append(got, i) })
	if len(got) != 2 || got[0] != 0 || got[1] != 129 {
		t.Fatalf("members=%v, want [0 129]", got)
	}
}
