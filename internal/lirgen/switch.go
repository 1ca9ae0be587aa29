package lirgen

import (
	"math"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
)

const maxTableSpan = 1 << 12

// useTable reports whether keys are dense enough for a jump table.
func useTable(keys []int64) (lo, hi int64, ok bool) {
	lo, hi = keys[0], keys[0]
	for _, k := range keys[1:] {
		lo, hi = min(lo, k), max(hi, k)
	}
	if hi-lo < 0 || hi-lo >= maxTableSpan {
		return lo, hi, false
	}
	span := hi - lo + 1
	return lo, hi, len(keys) >= 3 && span <= int64(len(keys))*3
}

func (gen *generator) switchKey(v lir.Value, key int64) lir.Value {
	if v.Type == meta.KindLong {
		return lir.LongConst(key)
	}
	if key < math.MinInt32 || key > math.MaxInt32 {
		return lir.LongConst(key)
	}
	return lir.IntConst(int32(key))
}

// emitSwitch lowers a key switch to a table switch when the keys are
// dense, and to a chain of compare-and-branch blocks otherwise.
func (gen *generator) emitSwitch(n *ir.Node) {
	v := gen.value(n.Inputs[0])
	targets := make([]int, len(n.Keys))
	for i := range n.Keys {
		targets[i] = gen.blockOf[n.Succs[i]]
	}
	def := gen.blockOf[n.Succs[len(n.Keys)]]
	if len(n.Keys) == 0 {
		gen.emit(&lir.Jump{Target: def})
		return
	}

	if lo, hi, ok := useTable(n.Keys); ok {
		table := make([]int, hi-lo+1)
		for i := range table {
			table[i] = def
		}
		// The first successor listed for a key wins.
		for i := len(n.Keys) - 1; i >= 0; i-- {
			table[n.Keys[i]-lo] = targets[i]
		}
		gen.emit(&lir.TableSwitch{Value: v, Low: lo, Targets: table, Default: def})
		return
	}

	for i, key := range n.Keys {
		next := def
		var nextBlock *lir.Block
		if i < len(n.Keys)-1 {
			nextBlock = gen.res.NewBlock(false)
			next = nextBlock.ID
		}
		gen.emit(&lir.CompareBranch{Cond: ir.CondEQ, X: v, Y: gen.switchKey(v, key), True: targets[i], False: next})
		if nextBlock != nil {
			gen.cur = nextBlock
		}
	}
}
