package ir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codegen/internal/meta"
)

// Graph owns every node of one compilation unit. Nodes are addressed by
// NodeID and never move; deleted nodes are tombstoned as OpInvalid.
type Graph struct {
	Method *meta.Method
	nodes  []Node
	start  NodeID
}

func NewGraph(m *meta.Method) *Graph {
	g := &Graph{Method: m, start: NoNode}
	return g
}

// Add appends n to the arena and returns its id.
func (g *Graph) Add(n Node) NodeID {
	if n.Op == OpInvalid {
		panic("ir: cannot add an invalid node")
	}
	// Control edges are set with Link once both ends exist.
	n.Next = NoNode
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	if n.Op == OpStart {
		if g.start != NoNode {
			panic("ir: graph already has a start node")
		}
		g.start = id
	}
	return id
}

func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		panic(fmt.Sprintf("ir: node %s out of range", id))
	}
	return &g.nodes[id]
}

// Len is the arena size including tombstones.
func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Start() NodeID { return g.start }

// Live reports whether id names a node that has not been deleted.
func (g *Graph) Live(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes) && g.nodes[id].Op != OpInvalid
}

// Each calls fn for every live node in arena order.
func (g *Graph) Each(fn func(id NodeID, n *Node)) {
	for i := range g.nodes {
		if g.nodes[i].Op == OpInvalid {
			continue
		}
		fn(NodeID(i), &g.nodes[i])
	}
}

// NodesOf returns the live nodes with the given op in arena order.
func (g *Graph) NodesOf(op Op) []NodeID {
	var out []NodeID
	g.Each(func(id NodeID, n *Node) {
		if n.Op == op {
			out = append(out, id)
		}
	})
	return out
}

// Usages returns every live node that takes id as an input.
func (g *Graph) Usages(id NodeID) []NodeID {
	var out []NodeID
	g.Each(func(user NodeID, n *Node) {
		for _, in := range n.Inputs {
			if in == id {
				out = append(out, user)
				return
			}
		}
	})
	return out
}

// ReplaceAtUsages redirects every input edge that points at old to repl and
// returns the number of edges rewritten.
func (g *Graph) ReplaceAtUsages(old, repl NodeID) int {
	if old == repl {
		return 0
	}
	count := 0
	g.Each(func(_ NodeID, n *Node) {
		for i, in := range n.Inputs {
			if in == old {
				n.Inputs[i] = repl
				count++
			}
		}
	})
	return count
}

// Delete tombstones a floating node. Fixed nodes are unlinked by their
// owners before deletion.
func (g *Graph) Delete(id NodeID) {
	n := g.Node(id)
	if n.Op.IsFixed() {
		panic(fmt.Sprintf("ir: cannot delete fixed node %s (%s)", id, n.Op))
	}
	g.nodes[id] = Node{Op: OpInvalid, Next: NoNode}
}

// Params returns the Param nodes indexed by parameter position.
func (g *Graph) Params() []NodeID {
	var out []NodeID
	g.Each(func(id NodeID, n *Node) {
		if n.Op != OpParam {
			return
		}
		idx := int(n.Offset)
		for len(out) <= idx {
			out = append(out, NoNode)
		}
		out[idx] = id
	})
	return out
}

// Dump renders the graph one node per line.
func (g *Graph) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s\n", g.Method)
	g.Each(func(id NodeID, n *Node) {
		fmt.Fprintf(&sb, "  %s = %s", id, n)
		if n.Const != nil {
			fmt.Fprintf(&sb, " %s", n.Const)
		}
		if len(n.Inputs) > 0 {
			fmt.Fprintf(&sb, " in%v", n.Inputs)
		}
		if n.Next != NoNode {
			fmt.Fprintf(&sb, " next=%s", n.Next)
		}
		if len(n.Succs) > 0 {
			fmt.Fprintf(&sb, " succ%v", n.Succs)
		}
		if n.Target != "" {
			fmt.Fprintf(&sb, " target=%s", n.Target)
		}
		sb.WriteByte('\n')
	})
	return sb.String()
}
