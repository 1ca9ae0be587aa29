package target

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/meta"
)

// Category is the storage class of a register.
type Category uint8

const (
	CategoryCPU Category = iota
	CategoryXMM
)

func (c Category) String() string {
	switch c {
	case CategoryCPU:
		return "cpu"
	case CategoryXMM:
		return "xmm"
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// CategoryFor returns the register class that holds values of kind k.
func CategoryFor(k meta.Kind) (Category, bool) {
	switch {
	case k.IsNumericInteger(), k.IsObject():
		return CategoryCPU, true
	case k.IsNumericFloat():
		return CategoryXMM, true
	}
	return 0, false
}

// Register is an immutable physical register. Number is the hardware
// encoding understood by the target's assembler.
type Register struct {
	Name     string
	Number   int
	Category Category
}

// NoRegister is the zero location for "no register".
var NoRegister = Register{Number: -1}

func (r Register) Valid() bool { return r.Number >= 0 && r.Name != "" }

func (r Register) String() string {
	if !r.Valid() {
		return "noreg"
	}
	return r.Name
}

// Description is the raw material a RegisterConfig is built from. Register
// names refer to entries in Registers.
type Description struct {
	Name      string
	WordSize  int
	Registers []Register

	ManagedParameters []string
	NativeParameters  []string
	FloatParameters   []string

	IntegerReturn string
	FloatReturn   string

	// AllocationOrder is the preferred order in which the allocator hands
	// out registers, general purpose first.
	AllocationOrder []string
	// Reserved registers are never allocated even if listed in
	// AllocationOrder.
	Reserved []string

	CalleeSaved []string

	StackPointer   string
	FramePointer   string
	Thread         string
	HeapBase       string
	Scratch        []string
	InlineCache    string
	MethodRegister string
	// ExceptionOop and ExceptionPC carry an exception into a handler.
	ExceptionOop string
	ExceptionPC  string
}

// RegisterConfig owns a target's register file, its parameter registers
// per convention type and its return registers. It is immutable after
// construction and safe for concurrent use.
type RegisterConfig struct {
	name     string
	wordSize int
	byName   map[string]Register
	all      []Register

	managedParams []Register
	nativeParams  []Register
	floatParams   []Register

	intReturn   Register
	floatReturn Register

	allocatable []Register
	calleeSaved []Register

	sp, fp, thread, heapBase  Register
	scratch                   []Register
	inlineCache, method       Register
	exceptionOop, exceptionPC Register
}

// NewRegisterConfig validates d and builds a config. Descriptions are
// compiled into the binary, so naming a register that does not exist is a
// programming error and panics.
func NewRegisterConfig(d Description) *RegisterConfig {
	if d.WordSize <= 0 {
		panic("target: word size must be positive")
	}
	rc := &RegisterConfig{
		name:     d.Name,
		wordSize: d.WordSize,
		byName:   make(map[string]Register, len(d.Registers)),
		all:      append([]Register(nil), d.Registers...),
	}
	for _, r := range d.Registers {
		if _, dup := rc.byName[r.Name]; dup {
			panic(fmt.Sprintf("target: duplicate register %q in %s", r.Name, d.Name))
		}
		rc.byName[r.Name] = r
	}
	rc.managedParams = rc.mustList(d.ManagedParameters)
	rc.nativeParams = rc.mustList(d.NativeParameters)
	rc.floatParams = rc.mustList(d.FloatParameters)
	rc.intReturn = rc.mustOptional(d.IntegerReturn)
	rc.floatReturn = rc.mustOptional(d.FloatReturn)
	rc.calleeSaved = rc.mustList(d.CalleeSaved)
	rc.sp = rc.mustOptional(d.StackPointer)
	rc.fp = rc.mustOptional(d.FramePointer)
	rc.thread = rc.mustOptional(d.Thread)
	rc.heapBase = rc.mustOptional(d.HeapBase)
	rc.scratch = rc.mustList(d.Scratch)
	rc.inlineCache = rc.mustOptional(d.InlineCache)
	rc.method = rc.mustOptional(d.MethodRegister)
	rc.exceptionOop = rc.mustOptional(d.ExceptionOop)
	rc.exceptionPC = rc.mustOptional(d.ExceptionPC)

	reserved := map[string]bool{}
	for _, name := range d.Reserved {
		rc.mustRegister(name)
		reserved[name] = true
	}
	for _, r := range []Register{rc.sp, rc.fp, rc.thread, rc.heapBase} {
		if r.Valid() {
			reserved[r.Name] = true
		}
	}
	for _, r := range rc.scratch {
		reserved[r.Name] = true
	}
	for _, r := range rc.mustList(d.AllocationOrder) {
		if !reserved[r.Name] {
			rc.allocatable = append(rc.allocatable, r)
		}
	}
	return rc
}

func (rc *RegisterConfig) mustRegister(name string) Register {
	r, ok := rc.byName[name]
	if !ok {
		panic(fmt.Sprintf("target: %s has no register %q", rc.name, name))
	}
	return r
}

func (rc *RegisterConfig) mustOptional(name string) Register {
	if name == "" {
		return NoRegister
	}
	return rc.mustRegister(name)
}

func (rc *RegisterConfig) mustList(names []string) []Register {
	out := make([]Register, 0, len(names))
	for _, name := range names {
		out = append(out, rc.mustRegister(name))
	}
	return out
}

func (rc *RegisterConfig) Name() string { return rc.name }

func (rc *RegisterConfig) WordSize() int { return rc.wordSize }

// Register looks a register up by name.
func (rc *RegisterConfig) Register(name string) (Register, bool) {
	r, ok := rc.byName[name]
	return r, ok
}

// Registers returns every register of the target.
func (rc *RegisterConfig) Registers() []Register {
	return append([]Register(nil), rc.all...)
}

// Allocatable returns the preferred allocation order with reserved
// registers removed.
func (rc *RegisterConfig) Allocatable() []Register {
	return append([]Register(nil), rc.allocatable...)
}

func (rc *RegisterConfig) CalleeSaved() []Register {
	return append([]Register(nil), rc.calleeSaved...)
}

// ParameterRegisters returns the registers used for arguments of category
// cat under convention ct.
func (rc *RegisterConfig) ParameterRegisters(ct ConventionType, cat Category) []Register {
	if cat == CategoryXMM {
		return append([]Register(nil), rc.floatParams...)
	}
	if ct == ConventionNativeCall {
		return append([]Register(nil), rc.nativeParams...)
	}
	return append([]Register(nil), rc.managedParams...)
}

func (rc *RegisterConfig) StackPointer() Register { return rc.sp }

func (rc *RegisterConfig) FramePointer() Register { return rc.fp }

// Thread holds the current thread pointer in managed code.
func (rc *RegisterConfig) Thread() Register { return rc.thread }

// HeapBase is reserved for compressed pointer decoding when set.
func (rc *RegisterConfig) HeapBase() Register { return rc.heapBase }

// Scratch registers are reserved for the emitter.
func (rc *RegisterConfig) Scratch() []Register {
	return append([]Register(nil), rc.scratch...)
}

// InlineCache receives the inline-cache sentinel before a virtual call.
func (rc *RegisterConfig) InlineCache() Register { return rc.inlineCache }

// MethodRegister receives the callee's identity before an indirect call.
func (rc *RegisterConfig) MethodRegister() Register { return rc.method }

// ExceptionOop holds the exception object on entry to a handler.
func (rc *RegisterConfig) ExceptionOop() Register { return rc.exceptionOop }

// ExceptionPC holds the throwing pc on entry to a handler.
func (rc *RegisterConfig) ExceptionPC() Register { return rc.exceptionPC }

// ReturnRegister is the register a value of kind k is returned in, if the
// target has one.
func (rc *RegisterConfig) ReturnRegister(k meta.Kind) (Register, bool) {
	cat, ok := CategoryFor(k)
	if !ok {
		return NoRegister, false
	}
	reg := rc.intReturn
	if cat == CategoryXMM {
		reg = rc.floatReturn
	}
	return reg, reg.Valid()
}
