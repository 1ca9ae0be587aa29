// Package regalloc replaces LIR variables with registers and spill slots
// using linear scan over whole-lifetime intervals.
package regalloc

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/google/btree"

	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

type Options struct {
	Logger *slog.Logger
}

// Result records where each variable ended up. Locations is indexed by
// variable; variables no instruction references stay illegal.
type Result struct {
	Locations    []lir.Value
	Spilled      int
	SpillSlots   int
	MovesRemoved int
}

type span struct{ from, to int }

func (s span) overlaps(o span) bool { return s.from <= o.to && o.from <= s.to }

type interval struct {
	vr    int
	kind  meta.Kind
	cat   target.Category
	span  span
	reg   target.Register
	slot  int
	alloc bool
}

func byEnd(a, b *interval) bool {
	if a.span.to != b.span.to {
		return a.span.to < b.span.to
	}
	return a.vr < b.vr
}

type allocator struct {
	cfg   *target.AllocationConfig
	fixed map[int][]span
	// slots holds the lifetimes already packed into each spill slot.
	slots [][]span
}

// Allocate rewrites every variable operand of res in place. Physical
// registers already named by instructions, and every register a call
// destroys, are respected: an interval never takes a register whose fixed
// use overlaps it. Intervals that cannot be given a register are spilled,
// preferring to evict the interval that ends last.
func Allocate(res *lir.LIR, cfg *target.AllocationConfig, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	num := number(res)
	lv, err := computeLiveness(res)
	if err != nil {
		return nil, err
	}

	intervals := buildIntervals(res, num, lv)
	a := &allocator{cfg: cfg, fixed: fixedRanges(res, num, cfg)}
	a.scan(intervals)

	out := &Result{Locations: make([]lir.Value, len(res.Variables))}
	for _, it := range intervals {
		if it.alloc {
			out.Locations[it.vr] = lir.Reg(it.reg, it.kind)
		} else {
			out.Locations[it.vr] = lir.SpillSlot(it.slot, it.kind)
			out.Spilled++
		}
	}
	out.SpillSlots = len(a.slots)
	out.MovesRemoved = rewrite(res, out.Locations)
	res.SpillSlots = out.SpillSlots

	log.Debug("registers allocated",
		"unit", res.Method.String(),
		"intervals", len(intervals),
		"spilled", out.Spilled,
		"spill_slots", out.SpillSlots,
		"moves_removed", out.MovesRemoved,
	)
	return out, nil
}

func buildIntervals(res *lir.LIR, num numbering, lv liveness) []*interval {
	byVar := make([]*interval, len(res.Variables))
	extend := func(v, pos int) {
		it := byVar[v]
		if it == nil {
			k := res.Variables[v]
			cat, _ := target.CategoryFor(k)
			byVar[v] = &interval{vr: v, kind: k, cat: cat, span: span{pos, pos}, slot: -1}
			return
		}
		it.span.from = min(it.span.from, pos)
		it.span.to = max(it.span.to, pos)
	}

	g := 0
	for i, b := range res.Blocks {
		lv.in[i].each(func(v int) { extend(v, num.blockFrom(i)) })
		lv.out[i].each(func(v int) { extend(v, num.blockTo(i)) })
		for _, ins := range b.Instructions {
			ins.Visit(func(v *lir.Value, role lir.Role) {
				if !v.IsVariable() {
					return
				}
				switch role {
				case lir.RoleDef:
					extend(v.Index, 2*g+1)
				case lir.RoleAlive, lir.RoleTemp:
					extend(v.Index, 2*g)
					extend(v.Index, 2*g+1)
				default:
					extend(v.Index, 2*g)
				}
			})
			g++
		}
	}

	var out []*interval
	for _, it := range byVar {
		if it != nil {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b *interval) int {
		if c := cmp.Compare(a.span.from, b.span.from); c != 0 {
			return c
		}
		return cmp.Compare(a.vr, b.vr)
	})
	return out
}

// fixedRanges collects, per allocatable register number, the spans in which
// instructions use that register directly. A register defined by one
// instruction stays occupied until its last use in the same block; one used
// without a preceding definition is occupied from the block start.
func fixedRanges(res *lir.LIR, num numbering, cfg *target.AllocationConfig) map[int][]span {
	allocatable := map[int]bool{}
	for _, r := range cfg.Order() {
		allocatable[r.Number] = true
	}
	fixed := map[int][]span{}
	g := 0
	for i, b := range res.Blocks {
		open := map[int]span{}
		closeRange := func(reg int) {
			if s, ok := open[reg]; ok {
				fixed[reg] = append(fixed[reg], s)
				delete(open, reg)
			}
		}
		use := func(reg, pos int) {
			s, ok := open[reg]
			if !ok {
				s = span{num.blockFrom(i), pos}
			}
			s.to = max(s.to, pos)
			open[reg] = s
		}
		for _, ins := range b.Instructions {
			ins.Visit(func(v *lir.Value, role lir.Role) {
				if !v.IsRegister() || !allocatable[v.Reg.Number] {
					return
				}
				reg := v.Reg.Number
				switch role {
				case lir.RoleDef:
					closeRange(reg)
					open[reg] = span{2*g + 1, 2*g + 1}
				case lir.RoleTemp:
					if _, ok := open[reg]; ok {
						use(reg, 2*g)
						closeRange(reg)
					}
					fixed[reg] = append(fixed[reg], span{2 * g, 2*g + 1})
				case lir.RoleAlive:
					use(reg, 2*g+1)
				default:
					use(reg, 2*g)
				}
			})
			if c, ok := ins.(lir.Call); ok && c.DestroysRegisters() {
				for reg := range allocatable {
					fixed[reg] = append(fixed[reg], span{2*g + 1, 2*g + 1})
				}
			}
			g++
		}
		for reg := range open {
			closeRange(reg)
		}
	}
	return fixed
}

func (a *allocator) blocked(reg target.Register, s span) bool {
	for _, f := range a.fixed[reg.Number] {
		if f.overlaps(s) {
			return true
		}
	}
	return false
}

func (a *allocator) scan(intervals []*interval) {
	active := btree.NewG[*interval](8, byEnd)
	for _, it := range intervals {
		for active.Len() > 0 {
			first, _ := active.Min()
			if first.span.to >= it.span.from {
				break
			}
			active.DeleteMin()
		}

		if reg, ok := a.freeRegister(it, active); ok {
			it.reg, it.alloc = reg, true
			active.ReplaceOrInsert(it)
			continue
		}

		// Evict the same-class interval that lives longest, provided its
		// register is usable for the whole of it.
		var victim *interval
		active.Descend(func(cand *interval) bool {
			if cand.cat == it.cat && !a.blocked(cand.reg, it.span) {
				victim = cand
				return false
			}
			return true
		})
		if victim != nil && victim.span.to > it.span.to {
			active.Delete(victim)
			it.reg, it.alloc = victim.reg, true
			victim.alloc = false
			a.spill(victim)
			active.ReplaceOrInsert(it)
			continue
		}
		a.spill(it)
	}
}

func (a *allocator) freeRegister(it *interval, active *btree.BTreeG[*interval]) (target.Register, bool) {
	taken := map[int]bool{}
	active.Ascend(func(o *interval) bool {
		taken[o.reg.Number] = true
		return true
	})
	for _, r := range a.cfg.Registers(it.cat) {
		if taken[r.Number] || a.blocked(r, it.span) {
			continue
		}
		return r, true
	}
	return target.NoRegister, false
}

// spill packs it into the first slot whose lifetimes it does not overlap.
func (a *allocator) spill(it *interval) {
	for i, lives := range a.slots {
		free := true
		for _, s := range lives {
			if s.overlaps(it.span) {
				free = false
				break
			}
		}
		if free {
			a.slots[i] = append(lives, it.span)
			it.slot = i
			return
		}
	}
	a.slots = append(a.slots, []span{it.span})
	it.slot = len(a.slots) - 1
}

// rewrite substitutes locations for variables and drops moves that became
// no-ops. It returns the number of moves dropped.
func rewrite(res *lir.LIR, locs []lir.Value) int {
	removed := 0
	for _, b := range res.Blocks {
		kept := b.Instructions[:0]
		for _, ins := range b.Instructions {
			ins.Visit(func(v *lir.Value, _ lir.Role) {
				if !v.IsVariable() {
					return
				}
				narrow := v.Narrow
				*v = locs[v.Index]
				v.Narrow = narrow
			})
			if mv, ok := ins.(*lir.Move); ok && mv.Dst.Same(mv.Src) {
				removed++
				continue
			}
			kept = append(kept, ins)
		}
		b.Instructions = kept
	}
	return removed
}
