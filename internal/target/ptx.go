package target

// NewPTX returns the accelerator configuration. Kernels receive every
// argument through the parameter space and registers are virtual, so
// there are no parameter, return or allocatable registers.
func NewPTX() *RegisterConfig {
	return NewRegisterConfig(Description{
		Name:     "ptx",
		WordSize: 8,
	})
}
