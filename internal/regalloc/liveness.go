package regalloc

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/codegen/internal/lir"
)

// varSet is a dense set of variable indexes.
type varSet []uint64

func newVarSet(n int) varSet { return make(varSet, (n+63)/64) }

func (s varSet) add(i int)           { s[i/64] |= 1 << (uint(i) % 64) }
func (s varSet) remove(i int)        { s[i/64] &^= 1 << (uint(i) % 64) }
func (s varSet) contains(i int) bool { return s[i/64]&(1<<(uint(i)%64)) != 0 }

// union adds o to s and reports whether s grew.
func (s varSet) union(o varSet) bool {
	changed := false
	for i := range s {
		n := s[i] | o[i]
		if n != s[i] {
			s[i] = n
			changed = true
		}
	}
	return changed
}

func (s varSet) each(fn func(int)) {
	for w, word := range s {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fn(w*64 + b)
			word &^= 1 << uint(b)
		}
	}
}

// numbering assigns instruction g of the unit the use position 2g and the
// def position 2g+1, counting across blocks in emission order.
type numbering struct {
	first []int
	last  []int
	total int
}

func number(res *lir.LIR) numbering {
	n := numbering{first: make([]int, len(res.Blocks)), last: make([]int, len(res.Blocks))}
	for i, b := range res.Blocks {
		n.first[i] = n.total
		n.total += len(b.Instructions)
		n.last[i] = n.total - 1
	}
	return n
}

func (n numbering) blockFrom(b int) int { return 2 * n.first[b] }
func (n numbering) blockTo(b int) int   { return 2*n.last[b] + 1 }

// liveness holds per-block live-in and live-out variable sets.
type liveness struct {
	in, out []varSet
}

func computeLiveness(res *lir.LIR) (liveness, error) {
	nv := len(res.Variables)
	gen := make([]varSet, len(res.Blocks))
	kill := make([]varSet, len(res.Blocks))
	lv := liveness{in: make([]varSet, len(res.Blocks)), out: make([]varSet, len(res.Blocks))}

	for i, b := range res.Blocks {
		gen[i], kill[i] = newVarSet(nv), newVarSet(nv)
		lv.in[i], lv.out[i] = newVarSet(nv), newVarSet(nv)
		for _, ins := range b.Instructions {
			var defs []int
			ins.Visit(func(v *lir.Value, role lir.Role) {
				if !v.IsVariable() {
					return
				}
				switch role {
				case lir.RoleDef:
					defs = append(defs, v.Index)
				case lir.RoleTemp:
					defs = append(defs, v.Index)
				default:
					if !kill[i].contains(v.Index) {
						gen[i].add(v.Index)
					}
				}
			})
			for _, d := range defs {
				kill[i].add(d)
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for i := len(res.Blocks) - 1; i >= 0; i-- {
			b := res.Blocks[i]
			for _, s := range b.Succs {
				if lv.out[i].union(lv.in[s]) {
					changed = true
				}
			}
			next := newVarSet(nv)
			next.union(lv.out[i])
			kill[i].each(next.remove)
			next.union(gen[i])
			if lv.in[i].union(next) {
				changed = true
			}
		}
	}

	if len(res.Blocks) > 0 {
		var undefined []int
		lv.in[0].each(func(v int) { undefined = append(undefined, v) })
		if len(undefined) > 0 {
			return lv, fmt.Errorf("regalloc: %s uses v%d before any definition", res.Method, undefined[0])
		}
	}
	return lv, nil
}
