package ptx

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

const (
	isaVersion  = "3.0"
	smTarget    = "sm_30"
	addressSize = 64

	// retParam names the trailing parameter holding the device address the
	// result is written to.
	retParam = "param_ret"
	retReg   = "%rdret"
)

// ErrUnsupported is returned for operations that need the host runtime.
var ErrUnsupported = errors.New("not supported on the device")

// Emitter writes unallocated LIR as device kernel text. Kernels have no
// stack, so the artifact's frame size is always zero.
type Emitter struct {
	regs *target.RegisterConfig
	log  *slog.Logger
}

func NewEmitter(regs *target.RegisterConfig, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{regs: regs, log: log}
}

type kernel struct {
	res   *lir.LIR
	decls Declarations

	params  map[int]string
	scratch map[Class]bool
	body    strings.Builder
	preds   int
	current int
	err     error
}

// Emit renders res. Calls, safepoints and atomics return an error wrapping
// ErrUnsupported; other operations without a lowering are fatal.
func (e *Emitter) Emit(res *lir.LIR) (*code.Artifact, error) {
	if res.SpillSlots > 0 || len(res.Buffers) > 0 {
		fault.Fatalf("ptx: %s needs a stack frame", res.Method)
	}
	k := &kernel{
		res:     res,
		decls:   ClassifyRegisters(res),
		params:  make(map[int]string),
		scratch: make(map[Class]bool),
	}
	text, err := k.render(e.regs)
	if err != nil {
		return nil, fmt.Errorf("ptx: %s: %w", res.Method, err)
	}
	a := &code.Artifact{
		ID:     uuid.New(),
		Name:   res.Method.String(),
		Target: Name,
		Code:   []byte(text),
	}
	e.log.Debug("kernel emitted", "unit", a.Name, "code_size", len(a.Code))
	return a, nil
}

// EntryName is the kernel symbol for m.
func EntryName(m *meta.Method) string {
	name := m.Name
	if m.Holder != nil {
		name = m.Holder.Name + "_" + name
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

func paramType(k meta.Kind) string {
	switch k.StackKind() {
	case meta.KindInt:
		return "s32"
	case meta.KindLong:
		return "s64"
	case meta.KindFloat:
		return "f32"
	case meta.KindDouble:
		return "f64"
	}
	return "u64"
}

func (k *kernel) render(regs *target.RegisterConfig) (string, error) {
	m := k.res.Method
	kinds := m.ArgumentKinds()
	cc := regs.CallingConvention(kinds, target.ConventionManagedCallee, true)
	var params []string
	for i, loc := range cc.Arguments {
		name := fmt.Sprintf("param_%d", i)
		k.params[loc.Offset] = name
		params = append(params, fmt.Sprintf("\t.param .%s %s", paramType(kinds[i]), name))
	}
	returns := m.Return != meta.KindVoid
	if returns {
		params = append(params, fmt.Sprintf("\t.param .u64 %s", retParam))
	}

	for i, b := range k.res.Blocks {
		k.current = i
		for _, ins := range b.Instructions {
			k.lower(ins)
			if k.err != nil {
				return "", fmt.Errorf("B%d: %s: %w", b.ID, ins.Name(), k.err)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "//\n// %s\n//\n\n", m)
	fmt.Fprintf(&sb, ".version %s\n.target %s\n.address_size %d\n\n", isaVersion, smTarget, addressSize)
	fmt.Fprintf(&sb, ".visible .entry %s(\n%s\n)\n{\n", EntryName(m), strings.Join(params, ",\n"))
	if k.preds > 0 {
		fmt.Fprintf(&sb, "\t.reg .pred %%p<%d>;\n", k.preds)
	}
	for _, line := range k.decls.Lines() {
		fmt.Fprintf(&sb, "\t%s\n", line)
	}
	for _, c := range []Class{ClassS32, ClassS64, ClassF32, ClassF64} {
		if k.scratch[c] {
			fmt.Fprintf(&sb, "\t.reg .%s %%t%s;\n", c, c)
		}
	}
	if returns {
		fmt.Fprintf(&sb, "\t.reg .u64 %s;\n", retReg)
		fmt.Fprintf(&sb, "\tld.param.u64 %s, [%s];\n", retReg, retParam)
	}
	sb.WriteString(k.body.String())
	sb.WriteString("}\n")
	return sb.String(), nil
}

func (k *kernel) line(format string, args ...any) {
	k.body.WriteByte('\t')
	fmt.Fprintf(&k.body, format, args...)
	k.body.WriteByte('\n')
}

func (k *kernel) fail(err error) {
	if k.err == nil {
		k.err = err
	}
}

func (k *kernel) pred() string {
	p := fmt.Sprintf("%%p%d", k.preds)
	k.preds++
	return p
}

func blockLabel(id int) string { return fmt.Sprintf("BB%d", id) }

// operand renders v as a register name or an immediate of class c.
func (k *kernel) operand(v lir.Value, c Class) string {
	switch v.Kind {
	case lir.Variable:
		return k.decls.Name(v.Index)
	case lir.Constant:
		return immediate(v.Const, c)
	}
	fault.Fatalf("ptx: %s cannot be an operand", v)
	return ""
}

func immediate(cst *ir.Constant, c Class) string {
	switch cst.Kind {
	case ir.ConstNull:
		return "0"
	case ir.ConstPrimitive:
	default:
		fault.Fatalf("ptx: constant %s cannot be an immediate", cst)
	}
	switch c {
	case ClassF32:
		if cst.Prim == meta.KindDouble {
			return fmt.Sprintf("0f%08X", math.Float32bits(float32(math.Float64frombits(uint64(cst.Bits)))))
		}
		return fmt.Sprintf("0f%08X", uint32(cst.Bits))
	case ClassF64:
		if cst.Prim == meta.KindFloat {
			return fmt.Sprintf("0d%016X", math.Float64bits(float64(math.Float32frombits(uint32(cst.Bits)))))
		}
		return fmt.Sprintf("0d%016X", uint64(cst.Bits))
	}
	return fmt.Sprintf("%d", cst.Bits)
}

// class is the class v is used at: its declared class for variables and
// its own kind for constants.
func (k *kernel) class(v lir.Value) Class {
	if v.IsVariable() {
		return k.decls.Class(v.Index)
	}
	return classOf(v)
}

// memoryType is the ld/st type suffix for kind.
func memoryType(kind meta.Kind) string {
	switch kind {
	case meta.KindBoolean:
		return "u8"
	case meta.KindByte:
		return "s8"
	case meta.KindShort:
		return "s16"
	case meta.KindChar:
		return "u16"
	case meta.KindInt:
		return "s32"
	case meta.KindLong:
		return "s64"
	case meta.KindFloat:
		return "f32"
	case meta.KindDouble:
		return "f64"
	case meta.KindObject:
		return "u64"
	}
	fault.Fatalf("ptx: no memory type for %s", kind)
	return ""
}

func (k *kernel) address(base lir.Value, disp int64) string {
	fault.Guarantee(base.IsVariable(), "ptx: base %s is not a register", base)
	if disp == 0 {
		return fmt.Sprintf("[%s]", k.decls.Name(base.Index))
	}
	return fmt.Sprintf("[%s+%d]", k.decls.Name(base.Index), disp)
}

// source renders v for an instruction that only accepts registers,
// materializing constants into a fresh scratch line first.
func (k *kernel) source(v lir.Value, c Class) string {
	if !v.IsConstant() {
		return k.operand(v, c)
	}
	tmp := fmt.Sprintf("%%t%s", c)
	k.scratch[c] = true
	k.line("mov.%s %s, %s;", bitType(c), tmp, immediate(v.Const, c))
	return tmp
}

func bitType(c Class) string {
	switch c {
	case ClassS64, ClassF64:
		return "b64"
	}
	return "b32"
}
