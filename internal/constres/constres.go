// Package constres replaces embedded type and heap constants with explicit
// resolution operations before code generation.
package constres

import (
	"log/slog"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

// DefaultBoxCacheHolders are the types whose static initializer must run
// before a constant of them may be used.
var DefaultBoxCacheHolders = []string{
	"java.lang.Boolean",
	"java.lang.Byte$ByteCache",
	"java.lang.Short$ShortCache",
	"java.lang.Character$CharacterCache",
	"java.lang.Integer$IntegerCache",
	"java.lang.Long$LongCache",
}

type Options struct {
	// BoxCacheHolders overrides DefaultBoxCacheHolders when non-nil.
	BoxCacheHolders []string
	Logger          *slog.Logger
}

// Stats counts the replacements made by one run.
type Stats struct {
	Counters    int
	Indirect    int
	Resolved    int
	Initialized int
	Reused      int
}

// CheckForBadFingerprint reports whether t must not be embedded in code
// because its (elemental) type has a zero fingerprint. Arrays of a
// primitive type are always safe.
func CheckForBadFingerprint(t *meta.Type) bool {
	if t == nil {
		return true
	}
	if t.IsArray() {
		elem := t.ElementalType()
		if elem.IsPrimitive() {
			return false
		}
		return elem.Fingerprint == 0
	}
	return t.Fingerprint == 0
}

type pass struct {
	g       *ir.Graph
	opts    Options
	holders map[string]bool
	log     *slog.Logger
	done    map[string]ir.NodeID
	stats   Stats
}

// Run rewrites g in place. Invariant violations are raised through
// fault.Fatalf.
func Run(g *ir.Graph, opts Options) Stats {
	p := &pass{
		g:       g,
		opts:    opts,
		holders: make(map[string]bool),
		log:     opts.Logger,
		done:    make(map[string]ir.NodeID),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	holders := opts.BoxCacheHolders
	if holders == nil {
		holders = DefaultBoxCacheHolders
	}
	for _, name := range holders {
		p.holders[name] = true
	}

	p.rewriteCounters()

	for _, id := range g.NodesOf(ir.OpConstant) {
		c := g.Node(id).Const
		switch c.Kind {
		case ir.ConstType:
			p.replace(id, p.typeReplacement)
		case ir.ConstHeap:
			p.replace(id, p.heapReplacement)
		}
	}

	p.log.Debug("constant resolution",
		"unit", g.Method.String(),
		"counters", p.stats.Counters,
		"indirect", p.stats.Indirect,
		"resolved", p.stats.Resolved,
		"initialized", p.stats.Initialized,
		"reused", p.stats.Reused,
	)
	return p.stats
}

// rewriteCounters turns every counter load into a resolving load that
// carries the holder's hub as a fresh type constant.
func (p *pass) rewriteCounters() {
	for _, id := range p.g.NodesOf(ir.OpLoadMethodCounters) {
		m := p.g.Node(id).Method
		if m == nil {
			m = p.g.Method
		}
		fault.Guarantee(m != nil && m.Holder != nil, "constres: counters load %s without a holder", id)
		hub := p.g.Add(ir.Node{Op: ir.OpConstant, Kind: meta.KindLong, Const: ir.TypeConstant(m.Holder)})
		n := p.g.Node(id)
		n.Op = ir.OpResolveMethodAndLoadCounters
		n.Method = m
		n.Inputs = []ir.NodeID{hub}
		p.stats.Counters++
	}
}

func isResolution(op ir.Op) bool {
	return op == ir.OpResolveConstant || op == ir.OpLoadConstantIndirectly
}

// replace points every non-resolution user of the constant at its
// replacement, creating the replacement on first sight of the constant.
func (p *pass) replace(id ir.NodeID, build func(ir.NodeID) ir.Node) {
	var users []ir.NodeID
	for _, u := range p.g.Usages(id) {
		if !isResolution(p.g.Node(u).Op) {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return
	}

	key := p.g.Node(id).Const.Key()
	repl, ok := p.done[key]
	if ok {
		p.stats.Reused++
	} else {
		repl = p.g.Add(build(id))
		p.done[key] = repl
	}
	for _, u := range users {
		n := p.g.Node(u)
		for i, in := range n.Inputs {
			if in == id {
				n.Inputs[i] = repl
			}
		}
	}
}

func (p *pass) typeReplacement(id ir.NodeID) ir.Node {
	c := p.g.Node(id).Const
	t := c.Type
	if c.Compressed {
		fault.Fatalf("constres: compressed type constant %s cannot be resolved", t)
	}
	if CheckForBadFingerprint(t) {
		fault.Fatalf("constres: type %s has a bad fingerprint", t)
	}
	return p.typeNode(id, t, meta.KindLong)
}

func (p *pass) typeNode(id ir.NodeID, t *meta.Type, kind meta.Kind) ir.Node {
	c := p.g.Node(id).Const
	if t.IsArray() && t.ElementalType().IsPrimitive() {
		p.stats.Indirect++
		return ir.Node{Op: ir.OpLoadConstantIndirectly, Kind: kind, Inputs: []ir.NodeID{id}, Const: c}
	}
	if holder := p.g.Method.Holder; holder != nil && t.IsAssignableFrom(holder) {
		p.stats.Indirect++
		return ir.Node{Op: ir.OpLoadConstantIndirectly, Kind: kind, Inputs: []ir.NodeID{id}, Const: c}
	}
	if p.holders[t.Name] {
		p.stats.Initialized++
		return ir.Node{Op: ir.OpResolveConstant, Kind: kind, Inputs: []ir.NodeID{id}, Const: c, Action: ir.ActionInitialize}
	}
	p.stats.Resolved++
	return ir.Node{Op: ir.OpResolveConstant, Kind: kind, Inputs: []ir.NodeID{id}, Const: c, Action: ir.ActionResolve}
}

func (p *pass) heapReplacement(id ir.NodeID) ir.Node {
	c := p.g.Node(id).Const
	switch c.Heap {
	case ir.HeapString:
		p.stats.Resolved++
		return ir.Node{Op: ir.OpResolveConstant, Kind: meta.KindObject, Inputs: []ir.NodeID{id}, Const: c, Action: ir.ActionResolve}
	}
	fault.Fatalf("constres: unsupported %s constant %s", c.Heap, c)
	return ir.Node{}
}
