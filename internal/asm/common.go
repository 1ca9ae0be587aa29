package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Variable identifies a machine register within an architecture package.
type Variable int

type Context interface {
	EmitBytes(data []byte)
	// Len is the current text offset.
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	// AddMark records a position of interest to the runtime at the current
	// text offset.
	AddMark(kind MarkKind)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type markDef struct {
	kind MarkKind
}

// Mark records kind at the position of the next emitted instruction.
func Mark(kind MarkKind) Fragment {
	return &markDef{kind: kind}
}

func (m *markDef) Emit(ctx Context) error {
	ctx.AddMark(m.kind)
	return nil
}

// MarkKind names a code position the runtime patches or looks up after
// installation.
type MarkKind uint8

const (
	MarkVerifiedEntry MarkKind = iota
	MarkUnverifiedEntry
	MarkOSREntry
	MarkFrameComplete
	MarkExceptionHandlerEntry
	MarkDeoptHandlerEntry
	MarkInvokeStatic
	MarkInvokeSpecial
	MarkInvokeVirtual
	MarkInvokeInterface
	MarkInlineInvoke
	MarkPollNear
	MarkPollFar
	MarkPollReturnNear
	MarkPollReturnFar
)

var markNames = [...]string{
	MarkVerifiedEntry:         "VERIFIED_ENTRY",
	MarkUnverifiedEntry:       "UNVERIFIED_ENTRY",
	MarkOSREntry:              "OSR_ENTRY",
	MarkFrameComplete:         "FRAME_COMPLETE",
	MarkExceptionHandlerEntry: "EXCEPTION_HANDLER_ENTRY",
	MarkDeoptHandlerEntry:     "DEOPT_HANDLER_ENTRY",
	MarkInvokeStatic:          "INVOKESTATIC",
	MarkInvokeSpecial:         "INVOKESPECIAL",
	MarkInvokeVirtual:         "INVOKEVIRTUAL",
	MarkInvokeInterface:       "INVOKEINTERFACE",
	MarkInlineInvoke:          "INLINE_INVOKE",
	MarkPollNear:              "POLL_NEAR",
	MarkPollFar:               "POLL_FAR",
	MarkPollReturnNear:        "POLL_RETURN_NEAR",
	MarkPollReturnFar:         "POLL_RETURN_FAR",
}

func (k MarkKind) String() string {
	if int(k) < len(markNames) {
		return markNames[k]
	}
	return fmt.Sprintf("MARK(%d)", uint8(k))
}

// IsPollNear reports whether the mark sits on a rip-relative poll that the
// installer must point at the polling page.
func (k MarkKind) IsPollNear() bool {
	return k == MarkPollNear || k == MarkPollReturnNear
}

// MarkPos is a mark resolved to a text offset.
type MarkPos struct {
	Pos  int
	Kind MarkKind
}

type RelocKind uint8

const (
	// RelocCall is a rel32 call displacement to a named symbol.
	RelocCall RelocKind = iota
	// RelocPCRel32 is a rel32 displacement to the absolute address in Addend.
	RelocPCRel32
	// RelocAbs64 is an 8-byte absolute address of a named symbol.
	RelocAbs64
)

func (k RelocKind) String() string {
	switch k {
	case RelocCall:
		return "call"
	case RelocPCRel32:
		return "pcrel32"
	case RelocAbs64:
		return "abs64"
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// Reloc is a site the installer patches once final addresses are known.
// Pos is the offset of the displacement field; End is the offset of the
// first byte after the instruction, which rel32 displacements are
// relative to.
type Reloc struct {
	Kind   RelocKind
	Pos    int
	End    int
	Symbol string
	Addend int64
}

// Program is assembled machine code: text followed by an aligned data
// section, plus the marks and relocations the installer needs.
type Program struct {
	code     []byte
	textSize int
	marks    []MarkPos
	relocs   []Reloc
}

func NewProgram(code []byte, textSize int, marks []MarkPos, relocs []Reloc) Program {
	p := Program{
		code:     append([]byte(nil), code...),
		textSize: textSize,
		marks:    append([]MarkPos(nil), marks...),
		relocs:   append([]Reloc(nil), relocs...),
	}
	sort.SliceStable(p.marks, func(i, j int) bool { return p.marks[i].Pos < p.marks[j].Pos })
	return p
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

// TextSize is the size of the executable part; data follows it.
func (p Program) TextSize() int {
	return p.textSize
}

func (p Program) Marks() []MarkPos {
	return append([]MarkPos(nil), p.marks...)
}

func (p Program) Relocations() []Reloc {
	return append([]Reloc(nil), p.relocs...)
}

// FindMark returns the first mark of kind.
func (p Program) FindMark(kind MarkKind) (MarkPos, bool) {
	for _, m := range p.marks {
		if m.Kind == kind {
			return m, true
		}
	}
	return MarkPos{}, false
}

// RelocatedCopy returns the code as it would look loaded at base, with
// symbols resolved by lookup.
func (p Program) RelocatedCopy(base uintptr, lookup func(string) (uintptr, bool)) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	for _, r := range p.relocs {
		var target uint64
		switch r.Kind {
		case RelocCall, RelocAbs64:
			addr, ok := lookup(r.Symbol)
			if !ok {
				return nil, fmt.Errorf("unresolved symbol %q", r.Symbol)
			}
			target = uint64(addr) + uint64(r.Addend)
		case RelocPCRel32:
			target = uint64(r.Addend)
		default:
			return nil, fmt.Errorf("unknown relocation kind %s", r.Kind)
		}
		if r.Kind == RelocAbs64 {
			if r.Pos < 0 || r.Pos+8 > len(out) {
				return nil, fmt.Errorf("relocation at %d out of range", r.Pos)
			}
			binary.LittleEndian.PutUint64(out[r.Pos:], target)
			continue
		}
		if r.Pos < 0 || r.Pos+4 > len(out) {
			return nil, fmt.Errorf("relocation at %d out of range", r.Pos)
		}
		rel := int64(target) - int64(uint64(base)+uint64(r.End))
		if rel < -1<<31 || rel > 1<<31-1 {
			return nil, fmt.Errorf("%s relocation to %#x not reachable from %#x", r.Kind, target, uint64(base)+uint64(r.End))
		}
		binary.LittleEndian.PutUint32(out[r.Pos:], uint32(int32(rel)))
	}
	return out, nil
}
