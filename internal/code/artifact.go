// Package code holds installable machine-code artifacts and the executable
// cache they are installed into.
package code

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/ir"
)

// Mark is a code offset the runtime needs to find after installation.
type Mark struct {
	Offset int
	Kind   asm.MarkKind
}

type InfopointReason uint8

const (
	InfopointCall InfopointReason = iota
	InfopointSafepoint
	InfopointDeopt
)

func (r InfopointReason) String() string {
	switch r {
	case InfopointCall:
		return "call"
	case InfopointSafepoint:
		return "safepoint"
	case InfopointDeopt:
		return "deopt"
	}
	return fmt.Sprintf("infopoint(%d)", uint8(r))
}

// Infopoint maps a pc back to the IR node whose state it captures.
type Infopoint struct {
	Offset int
	Node   ir.NodeID
	Reason InfopointReason
}

type CallKind uint8

const (
	CallDirect CallKind = iota
	CallInlineCache
	CallIndirect
	CallForeign
)

func (k CallKind) String() string {
	switch k {
	case CallDirect:
		return "direct"
	case CallInlineCache:
		return "inline-cache"
	case CallIndirect:
		return "indirect"
	case CallForeign:
		return "foreign"
	}
	return fmt.Sprintf("call(%d)", uint8(k))
}

// CallSite is one call instruction. Offset is the start of the
// instruction and Return the pc the callee returns to.
type CallSite struct {
	Offset int
	Return int
	Kind   CallKind
	Target string
}

// DataPatch is an 8-byte data slot that receives the runtime value of
// Constant at installation. Offset counts from the start of the image.
type DataPatch struct {
	Offset   int
	Constant *ir.Constant
}

// JumpTable is an inline table of 32-bit entries relative to its start.
type JumpTable struct {
	Offset  int
	Low     int64
	Entries int
}

type PollSite struct {
	Offset int
	Far    bool
	Return bool
}

// Artifact is the result of compiling one unit: text, the data section
// that follows it, and the metadata an installer consumes.
type Artifact struct {
	ID     uuid.UUID
	Name   string
	Target string

	// Code is the text, padded so Data starts aligned right after it.
	Code      []byte
	Data      []byte
	FrameSize int

	Marks       []Mark
	Infopoints  []Infopoint
	CallSites   []CallSite
	DataPatches []DataPatch
	JumpTables  []JumpTable
	PollSites   []PollSite
	Relocations []asm.Reloc
}

// FromProgram splits an assembled program into an artifact.
func FromProgram(name, target string, prog asm.Program) *Artifact {
	img := prog.Bytes()
	a := &Artifact{
		ID:          uuid.New(),
		Name:        name,
		Target:      target,
		Code:        img[:prog.TextSize()],
		Data:        img[prog.TextSize():],
		Relocations: prog.Relocations(),
	}
	for _, m := range prog.Marks() {
		a.Marks = append(a.Marks, Mark{Offset: m.Pos, Kind: m.Kind})
	}
	return a
}

// Image returns text followed by data, as laid out in memory.
func (a *Artifact) Image() []byte {
	out := make([]byte, 0, len(a.Code)+len(a.Data))
	out = append(out, a.Code...)
	return append(out, a.Data...)
}

func (a *Artifact) Size() int { return len(a.Code) + len(a.Data) }

// Mark returns the offset of the first mark of kind.
func (a *Artifact) Mark(kind asm.MarkKind) (int, bool) {
	for _, m := range a.Marks {
		if m.Kind == kind {
			return m.Offset, true
		}
	}
	return 0, false
}

// MarksOf returns the offsets of every mark of kind in order.
func (a *Artifact) MarksOf(kind asm.MarkKind) []int {
	var out []int
	for _, m := range a.Marks {
		if m.Kind == kind {
			out = append(out, m.Offset)
		}
	}
	return out
}

// Entry is the verified entry point, or the start of the code when the
// artifact has no verified entry mark.
func (a *Artifact) Entry() int {
	off, _ := a.Mark(asm.MarkVerifiedEntry)
	return off
}

// Sort puts every metadata list in offset order.
func (a *Artifact) Sort() {
	sort.SliceStable(a.Marks, func(i, j int) bool { return a.Marks[i].Offset < a.Marks[j].Offset })
	sort.SliceStable(a.Infopoints, func(i, j int) bool { return a.Infopoints[i].Offset < a.Infopoints[j].Offset })
	sort.SliceStable(a.CallSites, func(i, j int) bool { return a.CallSites[i].Offset < a.CallSites[j].Offset })
	sort.SliceStable(a.PollSites, func(i, j int) bool { return a.PollSites[i].Offset < a.PollSites[j].Offset })
}
