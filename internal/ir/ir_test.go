package ir

import (
	"strings"
	"testing"

	"github.com/tinyrange/codegen/internal/meta"
)

func staticMethod(ret meta.Kind, params ...meta.Kind) *meta.Method {
	m := &meta.Method{Name: "f", Static: true, Return: ret}
	for _, k := range params {
		m.Params = append(m.Params, meta.Param{Kind: k})
	}
	return m
}

func TestBuilderStraightLine(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindInt, meta.KindInt, meta.KindInt))
	sum := b.Binary(BinAdd, b.Param(0), b.Param(1))
	b.Return(sum)

	if err := b.G.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	blocks, err := b.G.Blocks()
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if got := len(blocks[0].Nodes); got != 2 {
		t.Fatalf("block has %d fixed nodes, want 2 (start, return)", got)
	}
	if b.Current() != NoNode {
		t.Fatalf("insertion point should be cleared after Return")
	}
}

func TestBlocksDiamondOrder(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindInt, meta.KindInt))
	cond := b.Compare(CondLT, b.Param(0), b.Int(0))
	tBegin, fBegin := b.If(cond)
	merge := b.NewMerge(false)

	b.SetCurrent(tBegin)
	b.Goto(merge)
	b.SetCurrent(fBegin)
	b.Goto(merge)

	phi := b.Phi(meta.KindInt, merge, b.Int(1), b.Int(2))
	b.SetCurrent(merge)
	b.Return(phi)

	if err := b.G.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	blocks, err := b.G.Blocks()
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(blocks))
	}
	if blocks[0].Begin != b.G.Start() {
		t.Fatalf("first block should begin at start")
	}
	last := blocks[len(blocks)-1]
	if last.Begin != merge {
		t.Fatalf("merge block should come last in reverse postorder, got %s", last.Begin)
	}
	if len(last.Preds) != 2 {
		t.Fatalf("merge preds = %v", last.Preds)
	}
}

func TestBlocksLoop(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindVoid, meta.KindInt))
	header := b.NewMerge(true)
	b.Goto(header)
	b.SetCurrent(header)
	cond := b.Compare(CondEQ, b.Param(0), b.Int(0))
	body, exit := b.If(cond)
	b.SetCurrent(body)
	b.Safepoint()
	b.Goto(header)
	b.SetCurrent(exit)
	b.Return(NoNode)

	blocks, err := b.G.Blocks()
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	var hdr *Block
	for _, blk := range blocks {
		if blk.Begin == header {
			hdr = blk
		}
	}
	if hdr == nil || !hdr.LoopHeader {
		t.Fatalf("loop header block missing")
	}
	if len(hdr.Preds) != 2 {
		t.Fatalf("loop header preds = %v, want entry and back edge", hdr.Preds)
	}
}

func TestBackEdgeIntoNonLoopMergeRejected(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindVoid))
	header := b.NewMerge(false)
	b.Goto(header)
	b.SetCurrent(header)
	b.Goto(header)

	if _, err := b.G.Blocks(); err == nil || !strings.Contains(err.Error(), "loop header") {
		t.Fatalf("expected loop header error, got %v", err)
	}
}

func TestReplaceAtUsages(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindInt, meta.KindInt))
	c := b.Int(7)
	x := b.Binary(BinAdd, b.Param(0), c)
	y := b.Binary(BinMul, c, c)
	b.Return(b.Binary(BinSub, x, y))

	repl := b.Int(8)
	if n := b.G.ReplaceAtUsages(c, repl); n != 3 {
		t.Fatalf("rewrote %d edges, want 3", n)
	}
	if users := b.G.Usages(c); len(users) != 0 {
		t.Fatalf("old constant still used by %v", users)
	}
	b.G.Delete(c)
	if b.G.Live(c) {
		t.Fatalf("deleted node still live")
	}
	if err := b.G.Verify(); err != nil {
		t.Fatalf("Verify after replacement: %v", err)
	}
}

func TestPhiArityChecked(t *testing.T) {
	b := NewBuilder(staticMethod(meta.KindInt))
	merge := b.NewMerge(false)
	b.Goto(merge)
	phi := b.Phi(meta.KindInt, merge, b.Int(1), b.Int(2))
	b.SetCurrent(merge)
	b.Return(phi)

	if err := b.G.Verify(); err == nil {
		t.Fatalf("expected phi arity error")
	}
}

func TestConstantKeys(t *testing.T) {
	ty := &meta.Type{Name: "A", Kind: meta.KindObject, Fingerprint: 1}
	if TypeConstant(ty).Key() != TypeConstant(ty).Key() {
		t.Fatalf("equal type constants must share a key")
	}
	if StringConstant("x").Key() == StringConstant("y").Key() {
		t.Fatalf("distinct strings must not share a key")
	}
	if !IntConstant(0).IsDefaultForKind() || IntConstant(1).IsDefaultForKind() {
		t.Fatalf("IsDefaultForKind wrong for ints")
	}
}

func TestParseOpRoundTrip(t *testing.T) {
	for op := OpStart; op <= OpResolveConstant; op++ {
		got, err := ParseOp(op.String())
		if err != nil || got != op {
			t.Fatalf("ParseOp(%q)=%v,%v", op, got, err)
		}
	}
}
