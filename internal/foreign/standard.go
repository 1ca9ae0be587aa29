package foreign

import (
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// Names of the runtime services the backends call.
const (
	ICMiss                      = "ic_miss"
	ExceptionHandler            = "exception_handler"
	DeoptHandler                = "deopt_handler"
	UnwindExceptionToCaller     = "unwind_exception_to_caller"
	ResolveKlass                = "resolve_klass"
	InitializeKlass             = "initialize_klass"
	ResolveString               = "resolve_string"
	ResolveMethodAndLoadCounter = "resolve_method_and_load_counters"
	Deoptimize                  = "deoptimize"
	ExecuteKernel               = "execute_kernel"
	FetchKernelObjectResult     = "fetch_kernel_object_result"
)

type standardCall struct {
	desc Descriptor
	opts Options
}

var standardCalls = []standardCall{
	{
		desc: Descriptor{Name: ICMiss, Result: meta.KindVoid},
		opts: Options{Convention: target.ConventionNativeCall, PreservesRegisters: true, Transition: Leaf, Reexecutability: Reexecutable},
	},
	{
		desc: Descriptor{Name: ExceptionHandler, Result: meta.KindVoid, Args: []meta.Kind{meta.KindObject, meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation}},
	},
	{
		desc: Descriptor{Name: DeoptHandler, Result: meta.KindVoid},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation}},
	},
	{
		desc: Descriptor{Name: UnwindExceptionToCaller, Result: meta.KindVoid, Args: []meta.Kind{meta.KindObject, meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation}},
	},
	{
		desc: Descriptor{Name: ResolveKlass, Result: meta.KindLong, Args: []meta.Kind{meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: Reexecutable},
	},
	{
		desc: Descriptor{Name: InitializeKlass, Result: meta.KindLong, Args: []meta.Kind{meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation}},
	},
	{
		desc: Descriptor{Name: ResolveString, Result: meta.KindObject, Args: []meta.Kind{meta.KindObject}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: Reexecutable, Touches: []LocationIdentity{InitLocation}},
	},
	{
		desc: Descriptor{Name: ResolveMethodAndLoadCounter, Result: meta.KindLong, Args: []meta.Kind{meta.KindLong, meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: Reexecutable},
	},
	{
		desc: Descriptor{Name: Deoptimize, Result: meta.KindVoid, Args: []meta.Kind{meta.KindInt}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation}},
	},
	{
		desc: Descriptor{Name: ExecuteKernel, Result: meta.KindLong, Args: []meta.Kind{
			meta.KindLong, meta.KindLong, meta.KindLong, meta.KindInt, meta.KindInt,
			meta.KindInt, meta.KindInt, meta.KindInt,
		}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: NotReexecutable, Touches: []LocationIdentity{AnyLocation, PendingExceptionSlot}},
	},
	{
		desc: Descriptor{Name: FetchKernelObjectResult, Result: meta.KindObject, Args: []meta.Kind{meta.KindLong, meta.KindLong}},
		opts: Options{Convention: target.ConventionNativeCall, Transition: NotLeaf, Reexecutability: Reexecutable},
	},
}

// StandardNames lists the calls RegisterStandard installs.
func StandardNames() []string {
	names := make([]string, len(standardCalls))
	for i, c := range standardCalls {
		names[i] = c.desc.Name
	}
	return names
}

// RegisterStandard registers every runtime service the backends depend on.
// Services missing from addresses are registered without an address; call
// sites still compile but installation cannot resolve them.
func RegisterStandard(r *Registry, addresses map[string]uint64) {
	for _, c := range standardCalls {
		r.Register(c.desc, uintptr(addresses[c.desc.Name]), c.opts)
	}
}

// StandardDescriptor returns the descriptor of a standard call.
func StandardDescriptor(name string) (Descriptor, bool) {
	for _, c := range standardCalls {
		if c.desc.Name == name {
			return c.desc, true
		}
	}
	return Descriptor{}, false
}
