package unitfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

// Unit is a graph ready for compilation.
type Unit struct {
	Graph  *ir.Graph
	Kernel bool
}

// Build resolves f and builds one verified graph per unit.
func (f *File) Build() ([]Unit, error) {
	u, err := f.Resolve()
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(f.Units))
	for _, d := range f.Units {
		m, err := u.Method(d.Method.key())
		if err != nil {
			return nil, err
		}
		g, err := u.build(m, d.Body)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", m, err)
		}
		units = append(units, Unit{Graph: g, Kernel: d.Kernel})
	}
	return units, nil
}

type builder struct {
	u    *Universe
	b    *ir.Builder
	vals map[string]ir.NodeID
	// merge is where the most recent If or Switch rejoined.
	merge ir.NodeID
}

func (u *Universe) build(m *meta.Method, body []Statement) (*ir.Graph, error) {
	bl := &builder{u: u, b: ir.NewBuilder(m), vals: make(map[string]ir.NodeID), merge: ir.NoNode}
	if err := bl.block(body); err != nil {
		return nil, err
	}
	if bl.b.Current() != ir.NoNode {
		return nil, fmt.Errorf("body falls off the end")
	}
	if err := bl.b.G.Verify(); err != nil {
		return nil, err
	}
	return bl.b.G, nil
}

func (bl *builder) block(stmts []Statement) error {
	for i, s := range stmts {
		if bl.b.Current() == ir.NoNode {
			return fmt.Errorf("statement %d (%s) is unreachable", i, s.Op)
		}
		if err := bl.statement(s); err != nil {
			return fmt.Errorf("statement %d (%s): %w", i, s.Op, err)
		}
	}
	return nil
}

func (bl *builder) define(id string, n ir.NodeID) error {
	if id == "" {
		return nil
	}
	if strings.HasPrefix(id, "$") {
		return fmt.Errorf("id %q is reserved for arguments", id)
	}
	if _, dup := bl.vals[id]; dup {
		return fmt.Errorf("id %q defined twice", id)
	}
	bl.vals[id] = n
	return nil
}

func (bl *builder) value(name string) (ir.NodeID, error) {
	if rest, ok := strings.CutPrefix(name, "$"); ok {
		i, err := strconv.Atoi(rest)
		params := bl.b.G.Params()
		if err != nil || i < 0 || i >= len(params) {
			return ir.NoNode, fmt.Errorf("no argument %q", name)
		}
		return params[i], nil
	}
	if id, ok := bl.vals[name]; ok {
		return id, nil
	}
	return ir.NoNode, fmt.Errorf("undefined value %q", name)
}

func (bl *builder) inputs(s Statement, min, max int) ([]ir.NodeID, error) {
	if len(s.Inputs) < min || (max >= 0 && len(s.Inputs) > max) {
		return nil, fmt.Errorf("got %d inputs", len(s.Inputs))
	}
	ids := make([]ir.NodeID, len(s.Inputs))
	for i, name := range s.Inputs {
		id, err := bl.value(name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// defaultKinds are used when a statement of the op leaves kind empty.
var defaultKinds = map[ir.Op]meta.Kind{
	ir.OpArrayLength:   meta.KindInt,
	ir.OpCurrentThread: meta.KindLong,
	ir.OpStackBuffer:   meta.KindLong,
	ir.OpForeignCall:   meta.KindVoid,
}

func (bl *builder) kind(s Statement, op ir.Op) (meta.Kind, error) {
	if s.Kind == "" {
		return defaultKinds[op], nil
	}
	return meta.ParseKind(s.Kind)
}

func (bl *builder) statement(s Statement) error {
	op, err := ir.ParseOp(s.Op)
	if err != nil {
		return err
	}
	b := bl.b
	var id ir.NodeID
	switch op {
	case ir.OpConstant:
		c, err := bl.constant(s)
		if err != nil {
			return err
		}
		id = b.Const(c)
	case ir.OpBinary:
		bop, err := ir.ParseBinaryOp(s.Binary)
		if err != nil {
			return err
		}
		in, err := bl.inputs(s, 2, 2)
		if err != nil {
			return err
		}
		id = b.Binary(bop, in[0], in[1])
	case ir.OpCompare:
		cond, err := ir.ParseCondition(s.Cond)
		if err != nil {
			return err
		}
		in, err := bl.inputs(s, 2, 2)
		if err != nil {
			return err
		}
		id = b.Compare(cond, in[0], in[1])
	case ir.OpPhi:
		if bl.merge == ir.NoNode {
			return fmt.Errorf("phi without a preceding merge")
		}
		in, err := bl.inputs(s, 1, -1)
		if err != nil {
			return err
		}
		k, err := bl.kind(s, op)
		if err != nil {
			return err
		}
		if s.Kind == "" {
			k = b.G.Node(in[0]).Kind
		}
		id = b.Phi(k, bl.merge, in...)
	case ir.OpIf:
		in, err := bl.inputs(s, 1, 1)
		if err != nil {
			return err
		}
		t, f := b.If(in[0])
		return bl.arms([][]Statement{s.Then, s.Else}, []ir.NodeID{t, f})
	case ir.OpSwitch:
		in, err := bl.inputs(s, 1, 1)
		if err != nil {
			return err
		}
		if len(s.Cases) != len(s.Keys)+1 {
			return fmt.Errorf("%d keys need %d cases including the default", len(s.Keys), len(s.Keys)+1)
		}
		return bl.arms(s.Cases, b.Switch(in[0], s.Keys))
	case ir.OpReturn:
		in, err := bl.inputs(s, 0, 1)
		if err != nil {
			return err
		}
		ret := ir.NoNode
		if len(in) == 1 {
			ret = in[0]
		}
		if (ret == ir.NoNode) != (b.G.Method.Return == meta.KindVoid) {
			return fmt.Errorf("return does not match %s", b.G.Method.Return)
		}
		b.Return(ret)
		return nil
	case ir.OpInvoke:
		callee, err := bl.u.Method(s.Method)
		if err != nil {
			return err
		}
		kind := ir.InvokeStatic
		if !callee.Static {
			kind = ir.InvokeVirtual
		}
		if s.Invoke != "" {
			if kind, err = ir.ParseInvokeKind(s.Invoke); err != nil {
				return err
			}
		}
		in, err := bl.inputs(s, 0, -1)
		if err != nil {
			return err
		}
		if len(in) != len(callee.ArgumentKinds()) {
			return fmt.Errorf("%s takes %d arguments, got %d", callee, len(callee.ArgumentKinds()), len(in))
		}
		id = b.Invoke(kind, callee, in...)
	case ir.OpStart, ir.OpBegin, ir.OpMerge, ir.OpParam, ir.OpGoto,
		ir.OpLoadMethodCounters, ir.OpResolveMethodAndLoadCounters,
		ir.OpLoadConstantIndirectly, ir.OpResolveConstant:
		return fmt.Errorf("%s cannot be written in a unit file", op)
	default:
		k, err := bl.kind(s, op)
		if err != nil {
			return err
		}
		in, err := bl.inputs(s, 0, -1)
		if err != nil {
			return err
		}
		n := ir.Node{
			Op:         op,
			Kind:       k,
			Inputs:     in,
			Offset:     s.Offset,
			Target:     s.Target,
			Reason:     s.Reason,
			Compressed: s.Compressed,
			HasState:   s.State || op == ir.OpSafepoint || op == ir.OpDeoptimize,
		}
		if op.IsFixed() {
			id = b.Append(n)
		} else {
			id = b.Float(n)
		}
	}
	return bl.define(s.ID, id)
}

// arms builds the successors of a branch. Arms that fall through jump to a
// shared merge, which becomes the insertion point.
func (bl *builder) arms(bodies [][]Statement, begins []ir.NodeID) error {
	merge := ir.NoNode
	for i, body := range bodies {
		bl.b.SetCurrent(begins[i])
		if err := bl.block(body); err != nil {
			return fmt.Errorf("arm %d: %w", i, err)
		}
		if bl.b.Current() == ir.NoNode {
			continue
		}
		if merge == ir.NoNode {
			merge = bl.b.NewMerge(false)
		}
		bl.b.Goto(merge)
	}
	bl.b.SetCurrent(merge)
	bl.merge = merge
	return nil
}

func (bl *builder) constant(s Statement) (*ir.Constant, error) {
	var c *ir.Constant
	switch s.Const {
	case "":
		k, err := meta.ParseKind(s.Kind)
		if err != nil {
			return nil, err
		}
		if c, err = primitive(k, s.Value); err != nil {
			return nil, err
		}
	case "null":
		c = ir.NullConstant()
	case "type":
		t, err := bl.u.Type(s.Type)
		if err != nil {
			return nil, err
		}
		c = ir.TypeConstant(t)
	case "method":
		m, err := bl.u.Method(s.Method)
		if err != nil {
			return nil, err
		}
		c = ir.MethodConstant(m)
	default:
		heap, err := ir.ParseHeapKind(s.Const)
		if err != nil {
			return nil, err
		}
		c = &ir.Constant{Kind: ir.ConstHeap, Prim: meta.KindObject, Heap: heap, Text: s.Value}
		if s.Type != "" {
			if c.Type, err = bl.u.Type(s.Type); err != nil {
				return nil, err
			}
		}
	}
	c.Compressed = s.Compressed
	return c, nil
}

func primitive(k meta.Kind, lit string) (*ir.Constant, error) {
	switch k {
	case meta.KindBoolean, meta.KindByte, meta.KindShort, meta.KindChar, meta.KindInt:
		v, err := strconv.ParseInt(lit, 0, 32)
		if err != nil {
			return nil, err
		}
		return ir.IntConstant(int32(v)), nil
	case meta.KindLong:
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return nil, err
		}
		return ir.LongConstant(v), nil
	case meta.KindFloat:
		v, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return nil, err
		}
		return ir.FloatConstant(float32(v)), nil
	case meta.KindDouble:
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, err
		}
		return ir.DoubleConstant(v), nil
	}
	return nil, fmt.Errorf("no %s literals", k)
}
