package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/codegen/internal/asm"
)

// dataAlign is the alignment of the data section that follows the text.
const dataAlign = 16

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := NewContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.Finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

// Context accumulates text, data and the fixups that join them. A backend
// keeps one Context per compilation and finalizes it once.
type Context struct {
	text      []byte
	data      []byte
	labels    map[asm.Label]int
	labelRefs []labelPatch
	dataRefs  []dataPatch
	tables    []tablePatch
	marks     []asm.MarkPos
	relocs    []asm.Reloc
}

type labelPatch struct {
	label  asm.Label
	pos    int
	end    int
	addend int32
}

type dataPatch struct {
	offset int
	pos    int
	end    int
	addend int32
}

// tablePatch is a 32-bit jump table slot holding target-base.
type tablePatch struct {
	pos    int
	base   asm.Label
	target asm.Label
}

var _ asm.Context = (*Context)(nil)

func NewContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Len() int { return len(c.text) }

func (c *Context) AddMark(kind asm.MarkKind) {
	c.marks = append(c.marks, asm.MarkPos{Pos: len(c.text), Kind: kind})
}

// AddData appends data to the data section at the requested alignment and
// returns its offset.
func (c *Context) AddData(data []byte, align int) int {
	offset := alignTo(len(c.data), align)
	c.data = append(c.data, make([]byte, offset-len(c.data))...)
	c.data = append(c.data, data...)
	return offset
}

// Marks returns the marks recorded so far.
func (c *Context) Marks() []asm.MarkPos {
	return append([]asm.MarkPos(nil), c.marks...)
}

func (c *Context) emit(enc encoded) {
	pos := len(c.text)
	c.text = append(c.text, enc.bytes...)
	if enc.dispPos < 0 || enc.mem == nil {
		return
	}
	end := len(c.text)
	at := pos + enc.dispPos
	m := enc.mem
	switch m.rip {
	case ripLabel:
		c.labelRefs = append(c.labelRefs, labelPatch{label: m.label, pos: at, end: end, addend: m.disp})
	case ripData:
		c.dataRefs = append(c.dataRefs, dataPatch{offset: m.dataOff, pos: at, end: end, addend: m.disp})
	case ripAbsolute:
		c.relocs = append(c.relocs, asm.Reloc{
			Kind:   asm.RelocPCRel32,
			Pos:    at,
			End:    end,
			Addend: int64(m.absolute) + int64(m.disp),
		})
	}
}

func (c *Context) emitRel32(opcode []byte, label asm.Label) {
	c.text = append(c.text, opcode...)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	c.labelRefs = append(c.labelRefs, labelPatch{label: label, pos: pos, end: pos + 4})
}

func (c *Context) emitSymbolRel32(opcode []byte, symbol string) {
	c.text = append(c.text, opcode...)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	c.relocs = append(c.relocs, asm.Reloc{Kind: asm.RelocCall, Pos: pos, End: pos + 4, Symbol: symbol})
}

func alignTo(value, boundary int) int {
	if boundary <= 1 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}

func (c *Context) resolveLabel(label asm.Label) (int, error) {
	target, ok := c.labels[label]
	if !ok {
		return 0, fmt.Errorf("undefined label %q", label)
	}
	return target, nil
}

func putRel32(buf []byte, pos int, rel int) error {
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("displacement %d out of range", rel)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(int32(rel)))
	return nil
}

// Finalize resolves label and data references and returns the program.
// Data is placed after the text at a 16-byte boundary.
func (c *Context) Finalize() (asm.Program, error) {
	textSize := len(c.text)
	if len(c.data) > 0 {
		textSize = alignTo(len(c.text), dataAlign)
	}
	code := make([]byte, textSize, textSize+len(c.data))
	copy(code, c.text)
	for i := len(c.text); i < textSize; i++ {
		code[i] = 0xF4
	}
	code = append(code, c.data...)

	for _, p := range c.labelRefs {
		target, err := c.resolveLabel(p.label)
		if err != nil {
			return asm.Program{}, err
		}
		if err := putRel32(code, p.pos, target+int(p.addend)-p.end); err != nil {
			return asm.Program{}, fmt.Errorf("reference to label %q: %w", p.label, err)
		}
	}
	for _, p := range c.dataRefs {
		if p.offset < 0 || p.offset > len(c.data) {
			return asm.Program{}, fmt.Errorf("data reference %d outside data section", p.offset)
		}
		if err := putRel32(code, p.pos, textSize+p.offset+int(p.addend)-p.end); err != nil {
			return asm.Program{}, err
		}
	}
	for _, p := range c.tables {
		base, err := c.resolveLabel(p.base)
		if err != nil {
			return asm.Program{}, err
		}
		target, err := c.resolveLabel(p.target)
		if err != nil {
			return asm.Program{}, err
		}
		if err := putRel32(code, p.pos, target-base); err != nil {
			return asm.Program{}, err
		}
	}
	return asm.NewProgram(code, textSize, c.marks, c.relocs), nil
}
