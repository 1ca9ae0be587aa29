package lirgen

import (
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// emitInvoke lowers a managed call. Indirect calls take the target address
// as their last input. Static and special calls, and calls to methods known
// to be linked, are plain direct calls; everything else goes through an
// inline cache.
func (gen *generator) emitInvoke(id ir.NodeID, n *ir.Node) lir.Value {
	m := n.Method
	fault.Guarantee(m != nil, "lirgen: invoke %s without a target method", id)
	regs := gen.opts.Registers

	inputs := n.Inputs
	var address lir.Value
	if n.Indirect {
		fault.Guarantee(len(inputs) > 0, "lirgen: indirect invoke %s without an address", id)
		address = gen.value(inputs[len(inputs)-1])
		inputs = inputs[:len(inputs)-1]
	}
	args := make([]lir.Value, len(inputs))
	for i, in := range inputs {
		args[i] = gen.value(in)
	}

	cc := regs.MethodConvention(m.Return, m.ArgumentKinds(), target.ConventionManagedCall, false)
	site := lir.CallSite{Info: lir.StateFor(id)}
	site.Args = gen.moveArguments(cc, args)
	site.Result = lir.FromLocation(cc.Return)

	switch {
	case n.Indirect:
		method := gen.loadIndirect(ir.MethodConstant(m), meta.KindLong)
		methodReg := lir.Reg(regs.MethodRegister(), meta.KindLong)
		// The inline-cache register is free at an indirect call site and
		// carries the target address.
		addrReg := lir.Reg(regs.InlineCache(), meta.KindLong)
		gen.move(methodReg, method)
		gen.move(addrReg, address)
		gen.emit(&lir.IndirectCall{CallSite: site, Method: m, MethodReg: methodReg, Address: addrReg})

	case n.Invoke == ir.InvokeStatic || n.Invoke == ir.InvokeSpecial || m.Linked:
		gen.emit(&lir.DirectCall{CallSite: site, Method: m, Invoke: n.Invoke})

	default:
		gen.emit(&lir.InlineCacheCall{
			CallSite: site,
			Method:   m,
			Invoke:   n.Invoke,
			Sentinel: gen.opts.Runtime.NonOopBits,
			Cache:    lir.Reg(regs.InlineCache(), meta.KindLong),
		})
	}

	if !site.Result.IsLegal() {
		return lir.IllegalValue
	}
	dst := gen.newVar(site.Result.Type)
	gen.move(dst, site.Result)
	return dst
}

func (gen *generator) emitUnwind(n *ir.Node) {
	regs := gen.opts.Registers
	exc := lir.Reg(regs.ExceptionOop(), meta.KindObject)
	gen.move(exc, gen.value(n.Inputs[0]))
	gen.emit(&lir.Unwind{Exception: exc, Stub: gen.linkage(foreign.UnwindExceptionToCaller)})
}

// emitJumpToHandler takes [handler, exception, exception pc].
func (gen *generator) emitJumpToHandler(n *ir.Node) {
	fault.Guarantee(len(n.Inputs) == 3, "lirgen: jump to exception handler needs handler, exception and pc")
	regs := gen.opts.Registers
	handler := gen.value(n.Inputs[0])
	exc := lir.Reg(regs.ExceptionOop(), meta.KindObject)
	pc := lir.Reg(regs.ExceptionPC(), meta.KindLong)
	gen.move(exc, gen.value(n.Inputs[1]))
	gen.move(pc, gen.value(n.Inputs[2]))
	gen.emit(&lir.JumpToExceptionHandlerInCaller{
		Handler:          handler,
		Exception:        exc,
		ExceptionPC:      pc,
		MethodHandleFlag: gen.opts.Runtime.Offsets.IsMethodHandleReturn,
	})
}

// DeoptReasons lists the reasons a Deoptimize node may name; the runtime
// receives the index.
var DeoptReasons = []string{
	"none",
	"null_check",
	"bounds_check",
	"class_cast",
	"array_store",
	"unreached",
	"type_checked_inlining_violated",
	"transfer_to_interpreter",
	"pending_exception",
	"runtime_constraint",
}

// DeoptReason returns the runtime code of reason, or 0 if it is unknown.
func DeoptReason(reason string) int32 {
	for i, r := range DeoptReasons {
		if r == reason {
			return int32(i)
		}
	}
	return 0
}

func (gen *generator) emitDeoptimize(id ir.NodeID, n *ir.Node) {
	l := gen.linkage(foreign.Deoptimize)
	gen.emit(&lir.Deoptimize{
		Reason: DeoptReason(n.Reason),
		Stub:   l,
		Arg:    lir.FromLocation(l.Convention.Arguments[0]),
		Info:   lir.StateFor(id),
	})
}
