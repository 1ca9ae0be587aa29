package ir

import (
	"fmt"
)

// Link makes to the straight-line successor of from.
func (g *Graph) Link(from, to NodeID) {
	n := g.Node(from)
	if n.Op.IsTerminal() {
		panic(fmt.Sprintf("ir: %s (%s) ends a block and has no next", from, n.Op))
	}
	if !n.Op.IsFixed() {
		panic(fmt.Sprintf("ir: %s (%s) is floating", from, n.Op))
	}
	n.Next = to
}

// Block is a maximal straight-line run of fixed nodes.
type Block struct {
	ID    int
	Begin NodeID
	// Nodes holds the fixed nodes in execution order, Begin first and the
	// terminal node (if any) last.
	Nodes []NodeID
	Preds []int
	Succs []int
	// LoopHeader is set for blocks that begin at a loop merge.
	LoopHeader bool
}

func (b *Block) Last() NodeID { return b.Nodes[len(b.Nodes)-1] }

func (b *Block) String() string { return fmt.Sprintf("B%d", b.ID) }

// Blocks splits the control flow into basic blocks numbered in reverse
// postorder from the start node.
func (g *Graph) Blocks() ([]*Block, error) {
	if g.start == NoNode {
		return nil, fmt.Errorf("ir: graph %s has no start node", g.Method)
	}
	byBegin := map[NodeID]*Block{}
	var collect func(begin NodeID) (*Block, error)
	collect = func(begin NodeID) (*Block, error) {
		if b, ok := byBegin[begin]; ok {
			return b, nil
		}
		if !g.Live(begin) || !g.Node(begin).Op.IsBlockBegin() {
			return nil, fmt.Errorf("ir: control edge into %s which does not begin a block", begin)
		}
		b := &Block{Begin: begin, LoopHeader: g.Node(begin).Loop}
		byBegin[begin] = b
		cur := begin
		for {
			b.Nodes = append(b.Nodes, cur)
			n := g.Node(cur)
			if n.Next == NoNode {
				break
			}
			if g.Node(n.Next).Op.IsBlockBegin() {
				return nil, fmt.Errorf("ir: %s falls through into block begin %s", cur, n.Next)
			}
			cur = n.Next
			if len(b.Nodes) > len(g.nodes) {
				return nil, fmt.Errorf("ir: cycle in straight-line chain at %s", cur)
			}
		}
		return b, nil
	}

	var order []*Block
	visited := map[*Block]bool{}
	onStack := map[*Block]bool{}
	var walk func(begin NodeID) (*Block, error)
	walk = func(begin NodeID) (*Block, error) {
		b, err := collect(begin)
		if err != nil {
			return nil, err
		}
		if visited[b] {
			if onStack[b] && !b.LoopHeader {
				return nil, fmt.Errorf("ir: back edge into %s which is not a loop header", b.Begin)
			}
			return b, nil
		}
		visited[b] = true
		onStack[b] = true
		last := g.Node(b.Last())
		for _, s := range last.Succs {
			if _, err := walk(s); err != nil {
				return nil, err
			}
		}
		onStack[b] = false
		order = append(order, b)
		return b, nil
	}
	if _, err := walk(g.start); err != nil {
		return nil, err
	}

	blocks := make([]*Block, len(order))
	for i := range order {
		b := order[len(order)-1-i]
		b.ID = i
		blocks[i] = b
	}
	for _, b := range blocks {
		for _, s := range g.Node(b.Last()).Succs {
			succ := byBegin[s]
			b.Succs = append(b.Succs, succ.ID)
			succ.Preds = append(succ.Preds, b.ID)
		}
	}
	return blocks, nil
}

// Verify checks structural well-formedness: every edge is live, floating
// nodes have inputs of the right arity and phis agree with their merges.
func (g *Graph) Verify() error {
	var err error
	g.Each(func(id NodeID, n *Node) {
		if err != nil {
			return
		}
		for _, in := range n.Inputs {
			if !g.Live(in) {
				err = fmt.Errorf("ir: %s (%s) has dead input %s", id, n.Op, in)
				return
			}
		}
		if n.Next != NoNode && !g.Live(n.Next) {
			err = fmt.Errorf("ir: %s (%s) links to dead node %s", id, n.Op, n.Next)
			return
		}
		switch n.Op {
		case OpIf:
			if len(n.Succs) != 2 || len(n.Inputs) != 1 {
				err = fmt.Errorf("ir: %s If needs one condition and two successors", id)
			}
		case OpSwitch:
			if len(n.Succs) != len(n.Keys)+1 || len(n.Inputs) != 1 {
				err = fmt.Errorf("ir: %s Switch needs one successor per key plus default", id)
			}
		case OpGoto:
			if len(n.Succs) != 1 || g.Node(n.Succs[0]).Op != OpMerge {
				err = fmt.Errorf("ir: %s Goto must target a merge", id)
			}
		case OpBinary, OpCompare:
			if len(n.Inputs) != 2 {
				err = fmt.Errorf("ir: %s %s needs two inputs", id, n.Op)
			}
		case OpPhi:
			if len(n.Inputs) == 0 || g.Node(n.Inputs[0]).Op != OpMerge {
				err = fmt.Errorf("ir: %s Phi must name its merge first", id)
				return
			}
			merge := g.Node(n.Inputs[0])
			if len(n.Inputs)-1 != len(merge.Inputs) {
				err = fmt.Errorf("ir: %s Phi has %d values for %d merge ends", id, len(n.Inputs)-1, len(merge.Inputs))
			}
		case OpConstant:
			if n.Const == nil {
				err = fmt.Errorf("ir: %s Constant without payload", id)
			}
		}
	})
	if err != nil {
		return err
	}
	_, err = g.Blocks()
	return err
}
