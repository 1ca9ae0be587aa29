package lir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

// Instruction is one low-level operation. Visit exposes operands by
// pointer so the allocator can rewrite them in place.
type Instruction interface {
	Name() string
	Visit(fn func(v *Value, role Role))
	String() string
}

// Terminator ends a block and names its successor blocks.
type Terminator interface {
	Instruction
	Successors() []int
}

// Call is implemented by instructions that leave the method and may
// destroy every caller-saved register.
type Call interface {
	Instruction
	DestroysRegisters() bool
}

// Stateful is implemented by instructions that record debug info.
type Stateful interface {
	Instruction
	DebugInfo() *DebugInfo
}

// DebugInfo marks an instruction whose position the runtime must be able
// to map back to the IR.
type DebugInfo struct {
	Node   ir.NodeID
	Values []Value
}

func (d *DebugInfo) visit(fn func(*Value, Role)) {
	if d == nil {
		return
	}
	for i := range d.Values {
		fn(&d.Values[i], RoleState)
	}
}

func render(ins Instruction, extra string) string {
	var defs, uses, temps []string
	ins.Visit(func(v *Value, role Role) {
		switch role {
		case RoleDef:
			defs = append(defs, v.String())
		case RoleTemp:
			temps = append(temps, v.String())
		case RoleState:
		default:
			uses = append(uses, v.String())
		}
	})
	var sb strings.Builder
	if len(defs) > 0 {
		sb.WriteString(strings.Join(defs, ", "))
		sb.WriteString(" = ")
	}
	sb.WriteString(ins.Name())
	if extra != "" {
		sb.WriteByte(' ')
		sb.WriteString(extra)
	}
	if len(uses) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(uses, ", "))
	}
	if len(temps) > 0 {
		fmt.Fprintf(&sb, " temps[%s]", strings.Join(temps, ", "))
	}
	return sb.String()
}

// Label starts every block.
type Label struct {
	Block int
	Loop  bool
}

func (*Label) Name() string             { return "label" }
func (*Label) Visit(func(*Value, Role)) {}
func (l *Label) String() string {
	if l.Loop {
		return fmt.Sprintf("B%d: (loop)", l.Block)
	}
	return fmt.Sprintf("B%d:", l.Block)
}

type Move struct {
	Dst, Src Value
}

func (*Move) Name() string { return "move" }
func (m *Move) Visit(fn func(*Value, Role)) {
	fn(&m.Src, RoleUse)
	fn(&m.Dst, RoleDef)
}
func (m *Move) String() string { return render(m, "") }

type Binary struct {
	Op   ir.BinaryOp
	Dst  Value
	X, Y Value
}

func (*Binary) Name() string { return "binary" }
func (b *Binary) Visit(fn func(*Value, Role)) {
	fn(&b.X, RoleUse)
	fn(&b.Y, RoleUse)
	fn(&b.Dst, RoleDef)
}
func (b *Binary) String() string { return render(b, b.Op.String()) }

// Compare materializes a condition as 0 or 1.
type Compare struct {
	Cond ir.Condition
	Dst  Value
	X, Y Value
}

func (*Compare) Name() string { return "compare" }
func (c *Compare) Visit(fn func(*Value, Role)) {
	fn(&c.X, RoleUse)
	fn(&c.Y, RoleUse)
	fn(&c.Dst, RoleDef)
}
func (c *Compare) String() string { return render(c, c.Cond.String()) }

type CompareBranch struct {
	Cond        ir.Condition
	X, Y        Value
	True, False int
}

func (*CompareBranch) Name() string { return "branch" }
func (b *CompareBranch) Visit(fn func(*Value, Role)) {
	fn(&b.X, RoleUse)
	fn(&b.Y, RoleUse)
}
func (b *CompareBranch) Successors() []int { return []int{b.True, b.False} }
func (b *CompareBranch) String() string {
	return render(b, fmt.Sprintf("%s B%d B%d", b.Cond, b.True, b.False))
}

type Jump struct {
	Target int
}

func (*Jump) Name() string             { return "jump" }
func (*Jump) Visit(func(*Value, Role)) {}
func (j *Jump) Successors() []int      { return []int{j.Target} }
func (j *Jump) String() string         { return fmt.Sprintf("jump B%d", j.Target) }

// Return leaves the method. Value is already in the return register. Poll
// requests a safepoint poll after the frame is torn down.
type Return struct {
	Value   Value
	Poll    bool
	PollFar bool
}

func (*Return) Name() string { return "return" }
func (r *Return) Visit(fn func(*Value, Role)) {
	if r.Value.IsLegal() {
		fn(&r.Value, RoleUse)
	}
}
func (*Return) Successors() []int { return nil }
func (r *Return) String() string {
	switch {
	case r.Poll && r.PollFar:
		return render(r, "poll=far")
	case r.Poll:
		return render(r, "poll=near")
	}
	return render(r, "")
}

// Load reads Kind from [Base+Disp].
type Load struct {
	Kind meta.Kind
	Dst  Value
	Base Value
	Disp int64
}

func (*Load) Name() string { return "load" }
func (l *Load) Visit(fn func(*Value, Role)) {
	fn(&l.Base, RoleUse)
	fn(&l.Dst, RoleDef)
}
func (l *Load) String() string { return render(l, fmt.Sprintf("%s+%d", l.Kind, l.Disp)) }

type Store struct {
	Kind meta.Kind
	Base Value
	Disp int64
	Src  Value
}

func (*Store) Name() string { return "store" }
func (s *Store) Visit(fn func(*Value, Role)) {
	fn(&s.Base, RoleUse)
	fn(&s.Src, RoleUse)
}
func (s *Store) String() string { return render(s, fmt.Sprintf("%s+%d", s.Kind, s.Disp)) }

// CompareAndSwap atomically replaces [Base+Disp] with New if it holds
// Expected and defines Result as 1 on success. Temp is the fixed register
// the target's compare-exchange instruction uses.
type CompareAndSwap struct {
	Kind     meta.Kind
	Result   Value
	Base     Value
	Disp     int64
	Expected Value
	New      Value
	Temp     Value
}

func (*CompareAndSwap) Name() string { return "cas" }
func (c *CompareAndSwap) Visit(fn func(*Value, Role)) {
	fn(&c.Base, RoleAlive)
	fn(&c.Expected, RoleAlive)
	fn(&c.New, RoleAlive)
	if c.Temp.IsLegal() {
		fn(&c.Temp, RoleTemp)
	}
	fn(&c.Result, RoleDef)
}
func (c *CompareAndSwap) String() string { return render(c, fmt.Sprintf("%s+%d", c.Kind, c.Disp)) }

// Compress encodes an object pointer as (ptr-Base)>>Shift. NonNull skips
// the null check.
type Compress struct {
	Dst, Src Value
	Base     uint64
	Shift    uint8
	NonNull  bool
}

func (*Compress) Name() string { return "compress" }
func (c *Compress) Visit(fn func(*Value, Role)) {
	fn(&c.Src, RoleUse)
	fn(&c.Dst, RoleDef)
}
func (c *Compress) String() string {
	return render(c, fmt.Sprintf("base=%#x shift=%d", c.Base, c.Shift))
}

type Uncompress struct {
	Dst, Src Value
	Base     uint64
	Shift    uint8
	NonNull  bool
}

func (*Uncompress) Name() string { return "uncompress" }
func (c *Uncompress) Visit(fn func(*Value, Role)) {
	fn(&c.Src, RoleUse)
	fn(&c.Dst, RoleDef)
}
func (c *Uncompress) String() string {
	return render(c, fmt.Sprintf("base=%#x shift=%d", c.Base, c.Shift))
}

// CallSite is shared by every call flavour. Arguments are fixed locations
// already loaded by preceding moves; Result is the fixed return location.
type CallSite struct {
	Args   []Value
	Result Value
	Info   *DebugInfo
}

func (c *CallSite) visit(fn func(*Value, Role)) {
	for i := range c.Args {
		fn(&c.Args[i], RoleUse)
	}
	c.Info.visit(fn)
	if c.Result.IsLegal() {
		fn(&c.Result, RoleDef)
	}
}

// DirectCall calls a method that is known to be linked.
type DirectCall struct {
	CallSite
	Method *meta.Method
	Invoke ir.InvokeKind
}

func (*DirectCall) Name() string                  { return "call" }
func (c *DirectCall) Visit(fn func(*Value, Role)) { c.visit(fn) }
func (*DirectCall) DestroysRegisters() bool       { return true }
func (c *DirectCall) DebugInfo() *DebugInfo       { return c.Info }
func (c *DirectCall) String() string              { return render(c, fmt.Sprintf("%s %s", c.Invoke, c.Method)) }

// InlineCacheCall is a direct call preceded by loading Sentinel into the
// inline-cache register; the installer patches both.
type InlineCacheCall struct {
	CallSite
	Method   *meta.Method
	Invoke   ir.InvokeKind
	Sentinel uint64
	Cache    Value
}

func (*InlineCacheCall) Name() string { return "iccall" }
func (c *InlineCacheCall) Visit(fn func(*Value, Role)) {
	fn(&c.Cache, RoleTemp)
	c.visit(fn)
}
func (*InlineCacheCall) DestroysRegisters() bool { return true }
func (c *InlineCacheCall) DebugInfo() *DebugInfo { return c.Info }
func (c *InlineCacheCall) String() string {
	return render(c, fmt.Sprintf("%s %s sentinel=%#x", c.Invoke, c.Method, c.Sentinel))
}

// IndirectCall jumps through Address with the callee identity in
// MethodReg so the miss handler can find the call site.
type IndirectCall struct {
	CallSite
	Method    *meta.Method
	MethodReg Value
	Address   Value
}

func (*IndirectCall) Name() string { return "indirectcall" }
func (c *IndirectCall) Visit(fn func(*Value, Role)) {
	fn(&c.MethodReg, RoleUse)
	fn(&c.Address, RoleUse)
	c.visit(fn)
}
func (*IndirectCall) DestroysRegisters() bool { return true }
func (c *IndirectCall) DebugInfo() *DebugInfo { return c.Info }
func (c *IndirectCall) String() string        { return render(c, c.Method.String()) }

// ForeignCall calls a runtime service through its linkage.
type ForeignCall struct {
	CallSite
	Linkage *foreign.Linkage
}

func (*ForeignCall) Name() string                  { return "foreigncall" }
func (c *ForeignCall) Visit(fn func(*Value, Role)) { c.visit(fn) }
func (c *ForeignCall) DestroysRegisters() bool     { return c.Linkage.DestroysRegisters() }
func (c *ForeignCall) DebugInfo() *DebugInfo       { return c.Info }
func (c *ForeignCall) String() string              { return render(c, c.Linkage.Name) }

// RuntimeCallPrologue publishes the frame anchor before a call that may
// reach a safepoint.
type RuntimeCallPrologue struct {
	// Resume is the label recorded as the last managed pc.
	Resume string
}

func (*RuntimeCallPrologue) Name() string             { return "runtimeprologue" }
func (*RuntimeCallPrologue) Visit(func(*Value, Role)) {}
func (p *RuntimeCallPrologue) String() string         { return "runtimeprologue " + p.Resume }

// RuntimeCallEpilogue clears the frame anchor and defines Resume.
type RuntimeCallEpilogue struct {
	Resume string
}

func (*RuntimeCallEpilogue) Name() string             { return "runtimeepilogue" }
func (*RuntimeCallEpilogue) Visit(func(*Value, Role)) {}
func (e *RuntimeCallEpilogue) String() string         { return "runtimeepilogue " + e.Resume }

type SafepointPoll struct {
	Far  bool
	Info *DebugInfo
}

func (*SafepointPoll) Name() string                  { return "safepoint" }
func (s *SafepointPoll) Visit(fn func(*Value, Role)) { s.Info.visit(fn) }
func (s *SafepointPoll) DebugInfo() *DebugInfo       { return s.Info }
func (s *SafepointPoll) String() string {
	if s.Far {
		return render(s, "far")
	}
	return render(s, "near")
}

// TableSwitch dispatches on Value-Low through an inline jump table.
// Targets[i] handles Low+i; out-of-range values go to Default.
type TableSwitch struct {
	Value   Value
	Low     int64
	Targets []int
	Default int
	Temp    Value
}

func (*TableSwitch) Name() string { return "tableswitch" }
func (s *TableSwitch) Visit(fn func(*Value, Role)) {
	fn(&s.Value, RoleUse)
	if s.Temp.IsLegal() {
		fn(&s.Temp, RoleTemp)
	}
}
func (s *TableSwitch) Successors() []int {
	out := append([]int(nil), s.Targets...)
	return append(out, s.Default)
}
func (s *TableSwitch) String() string {
	parts := make([]string, len(s.Targets))
	for i, t := range s.Targets {
		parts[i] = fmt.Sprintf("B%d", t)
	}
	return render(s, fmt.Sprintf("low=%d [%s] default=B%d", s.Low, strings.Join(parts, " "), s.Default))
}

// Unwind throws Exception to the caller.
type Unwind struct {
	Exception Value
	Stub      *foreign.Linkage
}

func (*Unwind) Name() string                  { return "unwind" }
func (u *Unwind) Visit(fn func(*Value, Role)) { fn(&u.Exception, RoleUse) }
func (*Unwind) Successors() []int             { return nil }
func (u *Unwind) String() string              { return render(u, "") }

// JumpToExceptionHandlerInCaller tears down the frame and continues at
// Handler in the caller, restoring the stack pointer from the frame
// pointer when the call site returned through a method handle.
type JumpToExceptionHandlerInCaller struct {
	Handler          Value
	Exception        Value
	ExceptionPC      Value
	MethodHandleFlag int32
}

func (*JumpToExceptionHandlerInCaller) Name() string { return "jumptohandler" }
func (j *JumpToExceptionHandlerInCaller) Visit(fn func(*Value, Role)) {
	fn(&j.Handler, RoleUse)
	fn(&j.Exception, RoleUse)
	fn(&j.ExceptionPC, RoleUse)
}
func (*JumpToExceptionHandlerInCaller) Successors() []int { return nil }
func (j *JumpToExceptionHandlerInCaller) String() string {
	return render(j, fmt.Sprintf("flag=%d", j.MethodHandleFlag))
}

// Deoptimize transfers control to the runtime's deoptimization entry.
type Deoptimize struct {
	Reason int32
	Stub   *foreign.Linkage
	Arg    Value
	Info   *DebugInfo
}

func (*Deoptimize) Name() string { return "deopt" }
func (d *Deoptimize) Visit(fn func(*Value, Role)) {
	fn(&d.Arg, RoleTemp)
	d.Info.visit(fn)
}
func (*Deoptimize) Successors() []int       { return nil }
func (d *Deoptimize) DebugInfo() *DebugInfo { return d.Info }
func (*Deoptimize) DestroysRegisters() bool { return true }
func (d *Deoptimize) String() string        { return render(d, fmt.Sprintf("reason=%d", d.Reason)) }

// LoadConstantIndirectly reads the runtime address of Const from a data
// slot the installer fills.
type LoadConstantIndirectly struct {
	Dst   Value
	Const *ir.Constant
}

func (*LoadConstantIndirectly) Name() string                  { return "loadindirect" }
func (l *LoadConstantIndirectly) Visit(fn func(*Value, Role)) { fn(&l.Dst, RoleDef) }
func (l *LoadConstantIndirectly) String() string              { return render(l, l.Const.String()) }

// StackBufferAddress defines Dst as the address of frame buffer Buffer.
type StackBufferAddress struct {
	Dst    Value
	Buffer int
}

func (*StackBufferAddress) Name() string                  { return "stackbuffer" }
func (s *StackBufferAddress) Visit(fn func(*Value, Role)) { fn(&s.Dst, RoleDef) }
func (s *StackBufferAddress) String() string              { return render(s, fmt.Sprintf("#%d", s.Buffer)) }

type ArrayLength struct {
	Dst, Array Value
	Offset     int64
}

func (*ArrayLength) Name() string { return "arraylength" }
func (a *ArrayLength) Visit(fn func(*Value, Role)) {
	fn(&a.Array, RoleUse)
	fn(&a.Dst, RoleDef)
}
func (a *ArrayLength) String() string { return render(a, fmt.Sprintf("+%d", a.Offset)) }

// Narrow truncates Src to To and widens the result back to int.
type Narrow struct {
	To       meta.Kind
	Dst, Src Value
}

func (*Narrow) Name() string { return "narrow" }
func (n *Narrow) Visit(fn func(*Value, Role)) {
	fn(&n.Src, RoleUse)
	fn(&n.Dst, RoleDef)
}
func (n *Narrow) String() string { return render(n, n.To.String()) }

// Reinterpret moves raw bits between the integer and float classes.
type Reinterpret struct {
	Dst, Src Value
}

func (*Reinterpret) Name() string { return "reinterpret" }
func (r *Reinterpret) Visit(fn func(*Value, Role)) {
	fn(&r.Src, RoleUse)
	fn(&r.Dst, RoleDef)
}
func (r *Reinterpret) String() string { return render(r, "") }

// ReadThread defines Dst as the current thread pointer.
type ReadThread struct {
	Dst Value
}

func (*ReadThread) Name() string                  { return "thread" }
func (r *ReadThread) Visit(fn func(*Value, Role)) { fn(&r.Dst, RoleDef) }
func (r *ReadThread) String() string              { return render(r, "") }
