package target

import "fmt"

// AMD64Options adjusts the reserved set of the x86-64 configuration.
type AMD64Options struct {
	// CompressedOops reserves r12 as the heap base.
	CompressedOops bool
}

var amd64GP = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func amd64Registers() []Register {
	regs := make([]Register, 0, 32)
	for i, name := range amd64GP {
		regs = append(regs, Register{Name: name, Number: i, Category: CategoryCPU})
	}
	for i := 0; i < 16; i++ {
		regs = append(regs, Register{Name: fmt.Sprintf("xmm%d", i), Number: 16 + i, Category: CategoryXMM})
	}
	return regs
}

// NewAMD64 returns the x86-64 managed-code register configuration. Numbers
// match the assembler's register ids.
func NewAMD64(opts AMD64Options) *RegisterConfig {
	d := Description{
		Name:              "amd64",
		WordSize:          8,
		Registers:         amd64Registers(),
		ManagedParameters: []string{"rsi", "rdx", "rcx", "r8", "r9", "rdi"},
		NativeParameters:  []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
		FloatParameters:   []string{"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7"},
		IntegerReturn:     "rax",
		FloatReturn:       "xmm0",
		AllocationOrder: []string{
			"r10", "r11", "r8", "r9", "r12", "rcx", "rbx", "rdi", "rdx", "rsi", "rax", "rbp", "r13", "r14",
			"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
			"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
		},
		StackPointer:   "rsp",
		FramePointer:   "rbp",
		Thread:         "r15",
		Scratch:        []string{"r10", "r11", "xmm15"},
		InlineCache:    "rax",
		MethodRegister: "rbx",
		ExceptionOop:   "rax",
		ExceptionPC:    "rdx",
	}
	if opts.CompressedOops {
		d.HeapBase = "r12"
	}
	return NewRegisterConfig(d)
}
