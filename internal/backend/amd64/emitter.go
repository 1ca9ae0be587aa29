package amd64

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/asm/amd64"
	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/target"
)

const (
	stackAlignment = 16
	wordSize       = 8
	// callDispAlignment keeps call displacements patchable with one store.
	callDispAlignment = 4
)

// Emitter lowers allocated LIR to x86-64 machine code. It holds no
// per-unit state and is safe for concurrent use.
type Emitter struct {
	regs    *target.RegisterConfig
	foreign *foreign.Registry
	rt      target.Runtime
	log     *slog.Logger
}

// NewEmitter builds an emitter. calls may be nil, in which case the code
// gets neither an inline-cache check nor handler stubs.
func NewEmitter(regs *target.RegisterConfig, calls *foreign.Registry, rt target.Runtime, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{regs: regs, foreign: calls, rt: rt, log: log}
}

type state uint8

const (
	stateStart state = iota
	stateBody
	stateSuffix
	stateDone
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateBody:
		return "body"
	case stateSuffix:
		return "suffix"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// frame is the layout below the saved frame pointer. Spill slot k lives
// at rbp-8(k+1), buffers follow the spill area and the outgoing argument
// area sits at the bottom, addressed from rsp.
type frame struct {
	present bool
	size    int
	buffers []int32
}

func layoutFrame(res *lir.LIR) frame {
	f := frame{buffers: make([]int32, len(res.Buffers))}
	off := res.SpillSlots * wordSize
	for i, b := range res.Buffers {
		off = alignUp(off+b.Size, max(b.Align, 1))
		f.buffers[i] = int32(-off)
	}
	off += res.OutgoingSize
	f.present = res.SpillSlots > 0 ||
		res.IncomingStackArgs ||
		len(res.Buffers) > 0 ||
		res.OutgoingSize > 0 ||
		res.HasCalls() ||
		res.HasDebugInfo()
	if f.present {
		f.size = alignUp(off, stackAlignment)
	}
	return f
}

func alignUp(v, boundary int) int {
	return (v + boundary - 1) / boundary * boundary
}

type pendingPatch struct {
	slot  int
	value *ir.Constant
}

// unit is the emission state of one compilation.
type unit struct {
	e     *Emitter
	res   *lir.LIR
	ctx   *amd64.Context
	state state
	err   error
	frame frame

	current int
	labels  int

	slots   map[string]int
	patches []pendingPatch

	infopoints []code.Infopoint
	calls      []code.CallSite
	polls      []code.PollSite
	tables     []code.JumpTable
}

// Emit produces the artifact for res. Assembler failures are returned;
// LIR the emitter has no lowering for raises a fatal error. Either way
// nothing is returned for a unit that did not reach the end.
func (e *Emitter) Emit(res *lir.LIR) (*code.Artifact, error) {
	u := &unit{
		e:     e,
		res:   res,
		ctx:   amd64.NewContext(),
		slots: make(map[string]int),
		frame: layoutFrame(res),
	}
	a, err := u.run()
	if err != nil {
		return nil, &EmitError{Unit: res.Method.String(), Stage: u.state.String(), Err: err}
	}
	e.log.Debug("code emitted",
		"unit", a.Name,
		"code_size", len(a.Code),
		"data_size", len(a.Data),
		"frame_size", a.FrameSize,
		"call_sites", len(a.CallSites),
	)
	return a, nil
}

// EmitError is returned for a unit whose emission stopped early. Stage is
// the part of the unit being emitted when it stopped: start, body or
// suffix.
type EmitError struct {
	Unit  string
	Stage string
	Err   error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("amd64: %s: %s: %v", e.Unit, e.Stage, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

func (u *unit) transition(to state) {
	fault.Guarantee(to == u.state+1, "amd64: emitter cannot go from %s to %s", u.state, to)
	u.state = to
}

func (u *unit) run() (*code.Artifact, error) {
	u.prologue()
	if u.err != nil {
		return nil, u.err
	}
	u.transition(stateBody)
	for i, b := range u.res.Blocks {
		u.current = i
		for _, ins := range b.Instructions {
			u.lower(ins)
			if u.err != nil {
				return nil, fmt.Errorf("B%d: %s: %w", b.ID, ins.Name(), u.err)
			}
		}
	}
	u.transition(stateSuffix)
	u.suffix()
	if u.err != nil {
		return nil, u.err
	}
	prog, err := u.ctx.Finalize()
	if err != nil {
		return nil, err
	}
	u.transition(stateDone)
	return u.artifact(prog), nil
}

func (u *unit) emit(frags ...asm.Fragment) {
	if u.err != nil {
		return
	}
	for _, f := range frags {
		if err := f.Emit(u.ctx); err != nil {
			u.err = err
			return
		}
	}
}

func (u *unit) newLabel(prefix string) asm.Label {
	u.labels++
	return asm.Label(fmt.Sprintf("%s_%d", prefix, u.labels))
}

func blockLabel(id int) asm.Label {
	return asm.Label(fmt.Sprintf("B%d", id))
}

func (u *unit) isNext(block int) bool {
	return block == u.current+1
}

// prologue emits the unverified entry for instance methods, aligns the
// verified entry, bangs the stack and builds the frame.
func (u *unit) prologue() {
	m := u.res.Method
	if m != nil && !m.Static && u.e.foreign != nil && u.e.foreign.Has(foreign.ICMiss) {
		cc := u.e.regs.CallingConvention(m.ArgumentKinds(), target.ConventionManagedCallee, false)
		if recv := cc.Arguments[0]; recv.IsRegister() {
			u.emit(
				asm.Mark(asm.MarkUnverifiedEntry),
				amd64.MovFromMemory(amd64.Reg64(amd64.R10), amd64.Mem(amd64.Reg64(gpr(recv.Register))).WithDisp(u.e.rt.Offsets.Hub)),
				amd64.CmpRegReg(amd64.Reg64(gpr(u.e.regs.InlineCache())), amd64.Reg64(amd64.R10)),
				amd64.JumpIfSymbol(amd64.CondNotEqual, foreign.ICMiss),
			)
		}
	}
	if align := u.e.rt.CodeEntryAlignment; align > 1 {
		u.emit(amd64.Align(align, 0))
	}
	u.emit(asm.Mark(asm.MarkVerifiedEntry))
	if u.frame.present {
		if bang := u.e.rt.StackBangSize; bang > 0 {
			u.emit(amd64.MovToMemory(amd64.Mem(amd64.Reg64(amd64.RSP)).WithDisp(int32(-bang)), amd64.Reg32(amd64.RAX)))
		}
		u.emit(
			amd64.Push(amd64.Reg64(amd64.RBP)),
			amd64.MovReg(amd64.Reg64(amd64.RBP), amd64.Reg64(amd64.RSP)),
		)
		if u.frame.size > 0 {
			u.emit(amd64.SubRegImm(amd64.Reg64(amd64.RSP), int32(u.frame.size)))
		}
	}
	u.emit(asm.Mark(asm.MarkFrameComplete))
}

func (u *unit) leaveFrame() {
	if u.frame.present {
		u.emit(amd64.Leave())
	}
}

// suffix emits the exception and deoptimization handler entries.
func (u *unit) suffix() {
	calls := u.e.foreign
	if calls == nil {
		return
	}
	if calls.Has(foreign.ExceptionHandler) {
		u.emit(asm.Mark(asm.MarkExceptionHandlerEntry))
		u.call(code.CallForeign, foreign.ExceptionHandler, nil, code.InfopointCall, amd64.CallSymbol(foreign.ExceptionHandler))
		u.emit(amd64.Hlt())
	}
	if calls.Has(foreign.DeoptHandler) {
		u.emit(asm.Mark(asm.MarkDeoptHandlerEntry))
		u.call(code.CallForeign, foreign.DeoptHandler, nil, code.InfopointCall, amd64.CallSymbol(foreign.DeoptHandler))
		u.emit(amd64.Hlt())
	}
}

// call emits a call instruction and records its site.
func (u *unit) call(kind code.CallKind, symbol string, info *lir.DebugInfo, reason code.InfopointReason, frag asm.Fragment) {
	off := u.ctx.Len()
	u.emit(frag)
	ret := u.ctx.Len()
	u.calls = append(u.calls, code.CallSite{Offset: off, Return: ret, Kind: kind, Target: symbol})
	u.infopoint(ret, info, reason)
}

func (u *unit) infopoint(off int, info *lir.DebugInfo, reason code.InfopointReason) {
	if info == nil {
		return
	}
	u.infopoints = append(u.infopoints, code.Infopoint{Offset: off, Node: info.Node, Reason: reason})
}

// constantSlot returns the data offset of the 8-byte slot the installer
// fills with c. Equal constants share a slot.
func (u *unit) constantSlot(c *ir.Constant) int {
	key := "patch:" + c.Key()
	if slot, ok := u.slots[key]; ok {
		return slot
	}
	slot := u.ctx.AddData(make([]byte, wordSize), wordSize)
	u.slots[key] = slot
	u.patches = append(u.patches, pendingPatch{slot: slot, value: c})
	return slot
}

// literal returns the data offset of an 8-byte literal.
func (u *unit) literal(bits uint64) int {
	key := fmt.Sprintf("lit:%#x", bits)
	if slot, ok := u.slots[key]; ok {
		return slot
	}
	var buf [wordSize]byte
	for i := range buf {
		buf[i] = byte(bits >> (8 * i))
	}
	slot := u.ctx.AddData(buf[:], wordSize)
	u.slots[key] = slot
	return slot
}

// artifact attaches the recorded metadata to the assembled program.
// FrameSize counts the bytes between the stack pointer in the body and
// the return address.
func (u *unit) artifact(prog asm.Program) *code.Artifact {
	a := code.FromProgram(u.res.Method.String(), Name, prog)
	if u.frame.present {
		a.FrameSize = u.frame.size + wordSize
	}
	a.Infopoints = u.infopoints
	a.CallSites = u.calls
	a.PollSites = u.polls
	a.JumpTables = u.tables
	for _, p := range u.patches {
		a.DataPatches = append(a.DataPatches, code.DataPatch{Offset: prog.TextSize() + p.slot, Constant: p.value})
	}
	a.Sort()
	return a
}
