package ir

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/meta"
)

// Builder appends fixed nodes to a graph one after another, tracking the
// current insertion point.
type Builder struct {
	G   *Graph
	cur NodeID
}

// NewBuilder creates a graph for m with its Start node and one Param per
// incoming argument (receiver first).
func NewBuilder(m *meta.Method) *Builder {
	g := NewGraph(m)
	b := &Builder{G: g}
	b.cur = g.Add(Node{Op: OpStart})
	for i, k := range m.ArgumentKinds() {
		g.Add(Node{Op: OpParam, Kind: k.StackKind(), Offset: int64(i)})
	}
	return b
}

// Current is the last appended fixed node, or NoNode after a terminal.
func (b *Builder) Current() NodeID { return b.cur }

// SetCurrent moves the insertion point.
func (b *Builder) SetCurrent(id NodeID) { b.cur = id }

// Param returns the i-th argument node.
func (b *Builder) Param(i int) NodeID {
	params := b.G.Params()
	if i >= len(params) || params[i] == NoNode {
		panic(fmt.Sprintf("ir: %s has no parameter %d", b.G.Method, i))
	}
	return params[i]
}

// Float adds a floating node.
func (b *Builder) Float(n Node) NodeID {
	if n.Op.IsFixed() {
		panic(fmt.Sprintf("ir: %s is fixed", n.Op))
	}
	return b.G.Add(n)
}

// Append adds a fixed node after the insertion point. Terminal nodes clear
// the insertion point.
func (b *Builder) Append(n Node) NodeID {
	if !n.Op.IsFixed() {
		panic(fmt.Sprintf("ir: %s is floating", n.Op))
	}
	if b.cur == NoNode {
		panic(fmt.Sprintf("ir: appending %s with no insertion point", n.Op))
	}
	id := b.G.Add(n)
	b.G.Link(b.cur, id)
	if n.Op.IsTerminal() {
		b.cur = NoNode
	} else {
		b.cur = id
	}
	return id
}

func (b *Builder) Const(c *Constant) NodeID {
	return b.Float(Node{Op: OpConstant, Kind: c.ValueKind(), Const: c})
}

func (b *Builder) Int(v int32) NodeID { return b.Const(IntConstant(v)) }

func (b *Builder) Long(v int64) NodeID { return b.Const(LongConstant(v)) }

func (b *Builder) Binary(op BinaryOp, x, y NodeID) NodeID {
	k := b.G.Node(x).Kind
	return b.Float(Node{Op: OpBinary, Kind: k, Binary: op, Inputs: []NodeID{x, y}})
}

func (b *Builder) Compare(c Condition, x, y NodeID) NodeID {
	return b.Float(Node{Op: OpCompare, Kind: meta.KindBoolean, Cond: c, Inputs: []NodeID{x, y}})
}

// If ends the current block with a two-way branch and returns the Begin
// nodes of the true and false arms.
func (b *Builder) If(cond NodeID) (NodeID, NodeID) {
	t := b.G.Add(Node{Op: OpBegin})
	f := b.G.Add(Node{Op: OpBegin})
	b.Append(Node{Op: OpIf, Inputs: []NodeID{cond}, Succs: []NodeID{t, f}})
	return t, f
}

// Switch ends the current block with a multi-way branch. The returned
// slice holds one Begin per key followed by the default Begin.
func (b *Builder) Switch(value NodeID, keys []int64) []NodeID {
	succs := make([]NodeID, len(keys)+1)
	for i := range succs {
		succs[i] = b.G.Add(Node{Op: OpBegin})
	}
	b.Append(Node{Op: OpSwitch, Inputs: []NodeID{value}, Keys: keys, Succs: succs})
	return succs
}

// NewMerge creates an unattached merge. Loop headers are merges entered by
// a back edge.
func (b *Builder) NewMerge(loop bool) NodeID {
	return b.G.Add(Node{Op: OpMerge, Loop: loop})
}

// Goto ends the current block with a jump to merge and registers the jump
// as the merge's next end. It returns the end index for phi inputs.
func (b *Builder) Goto(merge NodeID) int {
	end := b.Append(Node{Op: OpGoto, Succs: []NodeID{merge}})
	m := b.G.Node(merge)
	m.Inputs = append(m.Inputs, end)
	return len(m.Inputs) - 1
}

// Phi creates a phi at merge with one value per end.
func (b *Builder) Phi(k meta.Kind, merge NodeID, values ...NodeID) NodeID {
	inputs := append([]NodeID{merge}, values...)
	return b.Float(Node{Op: OpPhi, Kind: k, Inputs: inputs})
}

// AddPhiInput appends the value flowing in along a newly added end.
func (b *Builder) AddPhiInput(phi, value NodeID) {
	n := b.G.Node(phi)
	n.Inputs = append(n.Inputs, value)
}

func (b *Builder) Return(value NodeID) NodeID {
	n := Node{Op: OpReturn}
	if value != NoNode {
		n.Inputs = []NodeID{value}
		n.Kind = b.G.Node(value).Kind
	}
	return b.Append(n)
}

// ForeignCall appends a call to the named runtime routine.
func (b *Builder) ForeignCall(target string, result meta.Kind, args ...NodeID) NodeID {
	return b.Append(Node{Op: OpForeignCall, Kind: result, Target: target, Inputs: args})
}

// Invoke appends a managed call. The receiver, if any, is args[0].
func (b *Builder) Invoke(kind InvokeKind, m *meta.Method, args ...NodeID) NodeID {
	return b.Append(Node{Op: OpInvoke, Kind: m.Return.StackKind(), Invoke: kind, Method: m, Inputs: args, HasState: true})
}

func (b *Builder) Load(k meta.Kind, base NodeID, disp int64) NodeID {
	return b.Append(Node{Op: OpLoad, Kind: k, Inputs: []NodeID{base}, Offset: disp})
}

func (b *Builder) Store(k meta.Kind, base NodeID, disp int64, value NodeID) NodeID {
	return b.Append(Node{Op: OpStore, Kind: k, Inputs: []NodeID{base, value}, Offset: disp})
}

func (b *Builder) Safepoint() NodeID {
	return b.Append(Node{Op: OpSafepoint, HasState: true})
}
