package target

// CompressedOops describes how object pointers are narrowed.
type CompressedOops struct {
	Enabled bool
	Base    uint64
	Shift   uint8
}

// Offsets are field displacements the generated code reads or writes.
type Offsets struct {
	Hub                  int32
	ArrayLength          int32
	PendingException     int32
	LastManagedSP        int32
	LastManagedFP        int32
	LastManagedPC        int32
	IsMethodHandleReturn int32
}

// Runtime is the contract between generated code and the managed runtime
// it is installed into.
type Runtime struct {
	PollingAddress uint64
	CodeCacheLow   uint64
	CodeCacheHigh  uint64
	// NonOopBits is the inline-cache sentinel; it never equals a valid hub.
	NonOopBits         uint64
	Offsets            Offsets
	CompressedOops     CompressedOops
	CodeEntryAlignment int
	StackBangSize      int
}

// DefaultRuntime is a self-consistent layout used when no configuration is
// supplied.
func DefaultRuntime() Runtime {
	return Runtime{
		PollingAddress: 0x7fff_f7ff_0000,
		CodeCacheLow:   0x7fff_e000_0000,
		CodeCacheHigh:  0x7fff_e800_0000,
		NonOopBits:     0xffff_ffff_ffff_fffe,
		Offsets: Offsets{
			Hub:                  8,
			ArrayLength:          12,
			PendingException:     16,
			LastManagedSP:        24,
			LastManagedFP:        32,
			LastManagedPC:        40,
			IsMethodHandleReturn: 48,
		},
		CompressedOops:     CompressedOops{Shift: 3},
		CodeEntryAlignment: 16,
		StackBangSize:      4096,
	}
}
