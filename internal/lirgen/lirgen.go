// Package lirgen lowers an IR graph to LIR for one compilation unit.
package lirgen

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/codegen/internal/constres"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

type Options struct {
	Registers *target.RegisterConfig
	// Foreign may be nil for targets without runtime calls.
	Foreign       *foreign.Registry
	Runtime       target.Runtime
	ForceFarPolls bool
	NearPollBits  int
	Logger        *slog.Logger
}

type generator struct {
	opts Options
	g    *ir.Graph
	res  *lir.LIR
	log  *slog.Logger

	blocks  []*ir.Block
	blockOf map[ir.NodeID]int
	phis    map[ir.NodeID][]ir.NodeID

	// values holds results of fixed nodes, parameters and phis; local holds
	// floating nodes materialized in the current block.
	values map[ir.NodeID]lir.Value
	local  map[ir.NodeID]lir.Value

	cur     *lir.Block
	pollFar bool
	resumes int
}

// Generate lowers g. Structural problems in the graph are returned as
// errors; unsupported operations are fatal.
func Generate(g *ir.Graph, opts Options) (*lir.LIR, error) {
	if opts.Registers == nil {
		return nil, fmt.Errorf("lirgen: no register configuration")
	}
	if opts.NearPollBits == 0 {
		opts.NearPollBits = DefaultNearPollBits
	}
	blocks, err := g.Blocks()
	if err != nil {
		return nil, fmt.Errorf("lirgen: %w", err)
	}
	gen := &generator{
		opts:    opts,
		g:       g,
		res:     lir.New(g.Method),
		log:     opts.Logger,
		blocks:  blocks,
		blockOf: make(map[ir.NodeID]int, len(blocks)),
		phis:    make(map[ir.NodeID][]ir.NodeID),
		values:  make(map[ir.NodeID]lir.Value),
	}
	if gen.log == nil {
		gen.log = slog.Default()
	}
	rt := opts.Runtime
	gen.pollFar = IsPollFar(Bounds{Low: rt.CodeCacheLow, High: rt.CodeCacheHigh}, rt.PollingAddress, opts.NearPollBits, opts.ForceFarPolls)
	gen.res.HasSafepoint = len(g.NodesOf(ir.OpSafepoint)) > 0

	for _, b := range blocks {
		gen.res.NewBlock(b.LoopHeader)
		gen.blockOf[b.Begin] = b.ID
	}
	for _, id := range g.NodesOf(ir.OpPhi) {
		n := g.Node(id)
		merge := n.Inputs[0]
		gen.phis[merge] = append(gen.phis[merge], id)
		gen.values[id] = gen.res.NewVariable(n.Kind.StackKind())
	}

	for i, b := range blocks {
		gen.cur = gen.res.Blocks[i]
		gen.local = make(map[ir.NodeID]lir.Value)
		if i == 0 {
			gen.emitParameters()
		}
		for _, id := range b.Nodes {
			gen.node(id)
		}
		if gen.cur.Terminator() == nil {
			fault.Fatalf("lirgen: %s of %s does not end in a terminator", b, g.Method)
		}
	}

	if err := gen.res.LinkBlocks(); err != nil {
		return nil, err
	}
	if err := gen.res.Verify(); err != nil {
		return nil, err
	}
	gen.log.Debug("lir generated",
		"unit", g.Method.String(),
		"blocks", len(gen.res.Blocks),
		"variables", len(gen.res.Variables),
		"poll_far", gen.pollFar,
	)
	return gen.res, nil
}

func (gen *generator) emit(ins lir.Instruction) {
	gen.cur.Append(ins)
}

func (gen *generator) newVar(k meta.Kind) lir.Value {
	return gen.res.NewVariable(k.StackKind())
}

func (gen *generator) move(dst, src lir.Value) {
	gen.emit(&lir.Move{Dst: dst, Src: src})
}

func (gen *generator) emitParameters() {
	m := gen.g.Method
	kinds := m.ArgumentKinds()
	cc := gen.opts.Registers.CallingConvention(kinds, target.ConventionManagedCallee, false)
	params := gen.g.Params()
	for i, loc := range cc.Arguments {
		v := gen.newVar(kinds[i])
		if loc.IsRegister() {
			gen.move(v, lir.Reg(loc.Register, v.Type))
		} else {
			gen.move(v, lir.IncomingArg(loc.Offset, v.Type))
			gen.res.IncomingStackArgs = true
		}
		if i < len(params) && params[i] != ir.NoNode {
			gen.values[params[i]] = v
		}
	}
}

// value returns the operand for id, materializing floating nodes in the
// current block on first use.
func (gen *generator) value(id ir.NodeID) lir.Value {
	if v, ok := gen.values[id]; ok {
		return v
	}
	if v, ok := gen.local[id]; ok {
		return v
	}
	n := gen.g.Node(id)
	if n.Op.IsFixed() || n.Op == ir.OpParam || n.Op == ir.OpPhi {
		fault.Fatalf("lirgen: %s (%s) used before its definition", id, n.Op)
	}
	v := gen.floating(id, n)
	gen.local[id] = v
	return v
}

func (gen *generator) floating(id ir.NodeID, n *ir.Node) lir.Value {
	switch n.Op {
	case ir.OpConstant:
		switch n.Const.Kind {
		case ir.ConstPrimitive, ir.ConstNull:
			return lir.Const(n.Const)
		}
		return gen.loadIndirect(n.Const, n.Const.ValueKind())

	case ir.OpBinary:
		x, y := gen.value(n.Inputs[0]), gen.value(n.Inputs[1])
		dst := gen.newVar(n.Kind)
		gen.emit(&lir.Binary{Op: n.Binary, Dst: dst, X: x, Y: y})
		return dst

	case ir.OpCompare:
		x, y := gen.value(n.Inputs[0]), gen.value(n.Inputs[1])
		dst := gen.newVar(meta.KindInt)
		gen.emit(&lir.Compare{Cond: n.Cond, Dst: dst, X: x, Y: y})
		return dst

	case ir.OpCurrentThread:
		dst := gen.newVar(meta.KindLong)
		gen.emit(&lir.ReadThread{Dst: dst})
		return dst

	case ir.OpNarrow:
		src := gen.value(n.Inputs[0])
		dst := gen.newVar(n.Kind)
		gen.emit(&lir.Narrow{To: n.Kind, Dst: dst, Src: src})
		return dst

	case ir.OpReinterpret:
		src := gen.value(n.Inputs[0])
		dst := gen.newVar(n.Kind)
		gen.emit(&lir.Reinterpret{Dst: dst, Src: src})
		return dst

	case ir.OpLoadConstantIndirectly:
		return gen.loadIndirect(n.Const, n.Kind)

	case ir.OpLoadMethodCounters:
		m := n.Method
		if m == nil {
			m = gen.g.Method
		}
		c := ir.MethodConstant(m)
		c.Text = "counters"
		return gen.loadIndirect(c, meta.KindLong)

	case ir.OpResolveConstant:
		return gen.resolveConstant(id, n)

	case ir.OpResolveMethodAndLoadCounters:
		method := gen.loadIndirect(ir.MethodConstant(n.Method), meta.KindLong)
		hub := gen.value(n.Inputs[0])
		return gen.foreignCall(gen.linkage(foreign.ResolveMethodAndLoadCounter), []lir.Value{method, hub}, lir.StateFor(id))
	}
	fault.Unimplemented("lirgen", n.Op)
	return lir.IllegalValue
}

// loadIndirect embeds c in the unit's data section. Types with a bad
// fingerprint never get there, whether or not constants were resolved.
func (gen *generator) loadIndirect(c *ir.Constant, k meta.Kind) lir.Value {
	if c.Kind == ir.ConstType && constres.CheckForBadFingerprint(c.Type) {
		fault.Fatalf("lirgen: %s embeds type %s with a bad fingerprint", gen.g.Method, c.Type)
	}
	dst := gen.newVar(k)
	gen.emit(&lir.LoadConstantIndirectly{Dst: dst, Const: c})
	return dst
}

func (gen *generator) resolveConstant(id ir.NodeID, n *ir.Node) lir.Value {
	stub := foreign.ResolveKlass
	switch {
	case n.Const.Kind == ir.ConstHeap && n.Const.Heap == ir.HeapString:
		stub = foreign.ResolveString
	case n.Action == ir.ActionInitialize:
		stub = foreign.InitializeKlass
	}
	l := gen.linkage(stub)
	arg := gen.loadIndirect(n.Const, l.Args[0])
	res := gen.foreignCall(l, []lir.Value{arg}, lir.StateFor(id))
	if res.Type == n.Kind.StackKind() {
		return res
	}
	dst := gen.newVar(n.Kind)
	gen.move(dst, res)
	return dst
}

func (gen *generator) linkage(name string) *foreign.Linkage {
	if gen.opts.Foreign == nil {
		fault.Fatalf("lirgen: %s needs foreign call %s but %s has none", gen.g.Method, name, gen.opts.Registers.Name())
	}
	return gen.opts.Foreign.Lookup(name)
}

func (gen *generator) node(id ir.NodeID) {
	n := gen.g.Node(id)
	switch n.Op {
	case ir.OpStart, ir.OpBegin, ir.OpMerge:
	case ir.OpIf:
		gen.emitIf(n)
	case ir.OpGoto:
		gen.emitGoto(id, n)
	case ir.OpSwitch:
		gen.emitSwitch(n)
	case ir.OpReturn:
		gen.emitReturn(n)
	case ir.OpLoad, ir.OpRawLoad:
		gen.values[id] = gen.emitLoad(n)
	case ir.OpStore, ir.OpRawStore:
		gen.emitStore(n)
	case ir.OpCompareAndSwap:
		gen.values[id] = gen.emitCompareAndSwap(n)
	case ir.OpArrayLength:
		dst := gen.newVar(meta.KindInt)
		gen.emit(&lir.ArrayLength{Dst: dst, Array: gen.value(n.Inputs[0]), Offset: int64(gen.opts.Runtime.Offsets.ArrayLength)})
		gen.values[id] = dst
	case ir.OpStackBuffer:
		dst := gen.newVar(meta.KindLong)
		gen.emit(&lir.StackBufferAddress{Dst: dst, Buffer: gen.res.AddBuffer(int(n.Offset), meta.WordSize)})
		gen.values[id] = dst
	case ir.OpInvoke:
		if v := gen.emitInvoke(id, n); v.IsLegal() {
			gen.values[id] = v
		}
	case ir.OpForeignCall:
		args := make([]lir.Value, len(n.Inputs))
		for i, in := range n.Inputs {
			args[i] = gen.value(in)
		}
		var info *lir.DebugInfo
		if n.HasState {
			info = lir.StateFor(id)
		}
		if v := gen.foreignCall(gen.linkage(n.Target), args, info); v.IsLegal() {
			gen.values[id] = v
		}
	case ir.OpSafepoint:
		gen.emit(&lir.SafepointPoll{Far: gen.pollFar, Info: lir.StateFor(id)})
	case ir.OpUnwind:
		gen.emitUnwind(n)
	case ir.OpJumpToExceptionHandler:
		gen.emitJumpToHandler(n)
	case ir.OpDeoptimize:
		gen.emitDeoptimize(id, n)
	default:
		if !n.Op.IsFixed() {
			fault.Fatalf("lirgen: floating %s scheduled as fixed", n.Op)
		}
		fault.Unimplemented("lirgen", n.Op)
	}
}

func (gen *generator) emitIf(n *ir.Node) {
	t, f := gen.blockOf[n.Succs[0]], gen.blockOf[n.Succs[1]]
	cond := gen.g.Node(n.Inputs[0])
	if cond.Op == ir.OpCompare {
		x, y := gen.value(cond.Inputs[0]), gen.value(cond.Inputs[1])
		gen.emit(&lir.CompareBranch{Cond: cond.Cond, X: x, Y: y, True: t, False: f})
		return
	}
	v := gen.value(n.Inputs[0])
	gen.emit(&lir.CompareBranch{Cond: ir.CondNE, X: v, Y: lir.IntConst(0), True: t, False: f})
}

// emitGoto resolves the phis of the target merge. Values are staged
// through fresh variables so phis that read each other see the old values.
func (gen *generator) emitGoto(id ir.NodeID, n *ir.Node) {
	merge := n.Succs[0]
	end := -1
	for i, in := range gen.g.Node(merge).Inputs {
		if in == id {
			end = i
			break
		}
	}
	fault.Guarantee(end >= 0, "lirgen: %s is not an end of merge %s", id, merge)

	phis := gen.phis[merge]
	switch len(phis) {
	case 0:
	case 1:
		gen.move(gen.values[phis[0]], gen.value(gen.g.Node(phis[0]).Inputs[1+end]))
	default:
		staged := make([]lir.Value, len(phis))
		for i, phi := range phis {
			src := gen.value(gen.g.Node(phi).Inputs[1+end])
			staged[i] = gen.newVar(src.Type)
			gen.move(staged[i], src)
		}
		for i, phi := range phis {
			gen.move(gen.values[phi], staged[i])
		}
	}
	gen.emit(&lir.Jump{Target: gen.blockOf[merge]})
}

func (gen *generator) emitReturn(n *ir.Node) {
	ret := &lir.Return{Poll: gen.res.HasSafepoint, PollFar: gen.pollFar}
	if len(n.Inputs) > 0 {
		v := gen.value(n.Inputs[0])
		if reg, ok := gen.opts.Registers.ReturnRegister(v.Type); ok {
			loc := lir.Reg(reg, v.Type)
			gen.move(loc, v)
			v = loc
		}
		ret.Value = v
	}
	gen.emit(ret)
}

func (gen *generator) compressed(n *ir.Node) bool {
	co := gen.opts.Runtime.CompressedOops
	return n.Op != ir.OpRawLoad && n.Op != ir.OpRawStore && n.Compressed && co.Enabled && n.Kind == meta.KindObject
}

func (gen *generator) emitLoad(n *ir.Node) lir.Value {
	base := gen.value(n.Inputs[0])
	if gen.compressed(n) {
		co := gen.opts.Runtime.CompressedOops
		narrow := gen.newVar(meta.KindInt)
		narrow.Narrow = true
		gen.emit(&lir.Load{Kind: meta.KindInt, Dst: narrow, Base: base, Disp: n.Offset})
		dst := gen.newVar(meta.KindObject)
		gen.emit(&lir.Uncompress{Dst: dst, Src: narrow, Base: co.Base, Shift: co.Shift})
		return dst
	}
	dst := gen.newVar(n.Kind)
	gen.emit(&lir.Load{Kind: n.Kind, Dst: dst, Base: base, Disp: n.Offset})
	return dst
}

func (gen *generator) compress(v lir.Value) lir.Value {
	co := gen.opts.Runtime.CompressedOops
	narrow := gen.newVar(meta.KindInt)
	narrow.Narrow = true
	gen.emit(&lir.Compress{Dst: narrow, Src: v, Base: co.Base, Shift: co.Shift})
	return narrow
}

func (gen *generator) emitStore(n *ir.Node) {
	base, src := gen.value(n.Inputs[0]), gen.value(n.Inputs[1])
	kind := n.Kind
	if gen.compressed(n) {
		src = gen.compress(src)
		kind = meta.KindInt
	}
	gen.emit(&lir.Store{Kind: kind, Base: base, Disp: n.Offset, Src: src})
}

// emitCompareAndSwap takes [base, expected, new]. The access kind is the
// kind of the expected value.
func (gen *generator) emitCompareAndSwap(n *ir.Node) lir.Value {
	base := gen.value(n.Inputs[0])
	expected, replacement := gen.value(n.Inputs[1]), gen.value(n.Inputs[2])
	kind := gen.g.Node(n.Inputs[1]).Kind.StackKind()
	if n.Compressed && gen.opts.Runtime.CompressedOops.Enabled && kind == meta.KindObject {
		expected, replacement = gen.compress(expected), gen.compress(replacement)
		kind = meta.KindInt
	}
	cas := &lir.CompareAndSwap{Kind: kind, Base: base, Disp: n.Offset, Expected: expected, New: replacement}
	// The compare-exchange instruction implicitly uses the accumulator,
	// which is the integer return register.
	if acc, ok := gen.opts.Registers.ReturnRegister(meta.KindLong); ok {
		cas.Temp = lir.Reg(acc, meta.KindLong)
	}
	cas.Result = gen.newVar(meta.KindInt)
	gen.emit(cas)
	return cas.Result
}

// moveArguments places args into the locations of cc and returns the
// fixed operands the call instruction uses.
func (gen *generator) moveArguments(cc target.CallingConvention, args []lir.Value) []lir.Value {
	fault.Guarantee(len(args) == len(cc.Arguments), "lirgen: %d arguments for a %d argument convention", len(args), len(cc.Arguments))
	locs := make([]lir.Value, len(args))
	for i, a := range args {
		locs[i] = lir.FromLocation(cc.Arguments[i])
		gen.move(locs[i], a)
	}
	if cc.StackSize > gen.res.OutgoingSize {
		gen.res.OutgoingSize = cc.StackSize
	}
	return locs
}

func (gen *generator) foreignCall(l *foreign.Linkage, args []lir.Value, info *lir.DebugInfo) lir.Value {
	locs := gen.moveArguments(l.Convention, args)
	var resume string
	if l.NeedsRuntimePrologue() {
		resume = fmt.Sprintf("resume_%d", gen.resumes)
		gen.resumes++
		gen.emit(&lir.RuntimeCallPrologue{Resume: resume})
	}
	call := &lir.ForeignCall{
		CallSite: lir.CallSite{Args: locs, Result: lir.FromLocation(l.Convention.Return), Info: info},
		Linkage:  l,
	}
	gen.emit(call)
	if resume != "" {
		gen.emit(&lir.RuntimeCallEpilogue{Resume: resume})
	}
	if !call.Result.IsLegal() {
		return lir.IllegalValue
	}
	dst := gen.newVar(call.Result.Type)
	gen.move(dst, call.Result)
	return dst
}
