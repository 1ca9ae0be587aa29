// Package lir holds the low-level instruction lists produced by instruction
// selection, rewritten by register allocation and consumed by emitters.
package lir

import (
	"fmt"
	"io"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

// Block is a basic block in emission order. Its first instruction is a
// Label and its last a Terminator.
type Block struct {
	ID           int
	Loop         bool
	Preds        []int
	Succs        []int
	Instructions []Instruction
}

func (b *Block) Append(ins Instruction) {
	b.Instructions = append(b.Instructions, ins)
}

// Terminator returns the block's last instruction if it ends the block.
func (b *Block) Terminator() Terminator {
	if len(b.Instructions) == 0 {
		return nil
	}
	t, _ := b.Instructions[len(b.Instructions)-1].(Terminator)
	return t
}

// StackBuffer is a fixed-size frame area addressed by StackBufferAddress.
type StackBuffer struct {
	Size  int
	Align int
}

// LIR is the instruction-level form of one compilation unit.
type LIR struct {
	Method    *meta.Method
	Blocks    []*Block
	Variables []meta.Kind
	Buffers   []StackBuffer

	// HasSafepoint is set when the unit polls, which also requests a
	// poll on return.
	HasSafepoint bool
	// OutgoingSize is the largest outgoing stack argument area of any call.
	OutgoingSize int
	// IncomingStackArgs is set when the unit receives arguments on the stack.
	IncomingStackArgs bool
	// SpillSlots is the number of word-sized spill slots register
	// allocation assigned.
	SpillSlots int
}

func New(m *meta.Method) *LIR {
	return &LIR{Method: m}
}

// NewVariable allocates a fresh virtual register of kind k.
func (l *LIR) NewVariable(k meta.Kind) Value {
	l.Variables = append(l.Variables, k)
	return Var(len(l.Variables)-1, k)
}

// NewBlock appends a block with its Label.
func (l *LIR) NewBlock(loop bool) *Block {
	b := &Block{ID: len(l.Blocks), Loop: loop}
	b.Append(&Label{Block: b.ID, Loop: loop})
	l.Blocks = append(l.Blocks, b)
	return b
}

// AddBuffer reserves a frame buffer and returns its index.
func (l *LIR) AddBuffer(size, align int) int {
	l.Buffers = append(l.Buffers, StackBuffer{Size: size, Align: align})
	return len(l.Buffers) - 1
}

// LinkBlocks recomputes Preds and Succs from the terminators.
func (l *LIR) LinkBlocks() error {
	for _, b := range l.Blocks {
		b.Preds, b.Succs = nil, nil
	}
	for _, b := range l.Blocks {
		t := b.Terminator()
		if t == nil {
			return fmt.Errorf("lir: B%d has no terminator", b.ID)
		}
		for _, s := range t.Successors() {
			if s < 0 || s >= len(l.Blocks) {
				return fmt.Errorf("lir: B%d branches to missing block %d", b.ID, s)
			}
			b.Succs = append(b.Succs, s)
			l.Blocks[s].Preds = append(l.Blocks[s].Preds, b.ID)
		}
	}
	return nil
}

// Each visits every instruction in emission order.
func (l *LIR) Each(fn func(b *Block, i int, ins Instruction)) {
	for _, b := range l.Blocks {
		for i, ins := range b.Instructions {
			fn(b, i, ins)
		}
	}
}

// HasDebugInfo reports whether any instruction records debug info.
func (l *LIR) HasDebugInfo() bool {
	found := false
	l.Each(func(_ *Block, _ int, ins Instruction) {
		if s, ok := ins.(Stateful); ok && s.DebugInfo() != nil {
			found = true
		}
	})
	return found
}

// HasCalls reports whether the unit contains any call.
func (l *LIR) HasCalls() bool {
	found := false
	l.Each(func(_ *Block, _ int, ins Instruction) {
		if _, ok := ins.(Call); ok {
			found = true
		}
	})
	return found
}

// Verify checks structural invariants the emitters rely on.
func (l *LIR) Verify() error {
	for i, b := range l.Blocks {
		if b.ID != i {
			return fmt.Errorf("lir: block %d has id %d", i, b.ID)
		}
		if len(b.Instructions) == 0 {
			return fmt.Errorf("lir: B%d is empty", b.ID)
		}
		if _, ok := b.Instructions[0].(*Label); !ok {
			return fmt.Errorf("lir: B%d does not start with a label", b.ID)
		}
		for j, ins := range b.Instructions {
			if _, ok := ins.(Terminator); ok && j != len(b.Instructions)-1 {
				return fmt.Errorf("lir: B%d: terminator %s is not last", b.ID, ins.Name())
			}
			var bad error
			ins.Visit(func(v *Value, role Role) {
				if v.IsVariable() && (v.Index < 0 || v.Index >= len(l.Variables)) {
					bad = fmt.Errorf("lir: B%d: %s references unknown %s", b.ID, ins.Name(), v)
				}
				if role == RoleDef && v.IsConstant() {
					bad = fmt.Errorf("lir: B%d: %s defines a constant", b.ID, ins.Name())
				}
			})
			if bad != nil {
				return bad
			}
		}
		if b.Terminator() == nil {
			return fmt.Errorf("lir: B%d has no terminator", b.ID)
		}
	}
	return nil
}

// Format writes a listing of the unit.
func (l *LIR) Format(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "lir %s (%d variables)\n", l.Method, len(l.Variables)); err != nil {
		return err
	}
	for _, b := range l.Blocks {
		for i, ins := range b.Instructions {
			indent := "  "
			if i == 0 {
				indent = ""
			}
			if _, err := fmt.Fprintf(w, "%s%s\n", indent, ins); err != nil {
				return err
			}
		}
	}
	return nil
}

// StateFor builds debug info for an IR node.
func StateFor(id ir.NodeID, values ...Value) *DebugInfo {
	return &DebugInfo{Node: id, Values: values}
}
