// Package ptx is the accelerator backend. It emits kernels as text for the
// device's own compiler; registers are virtual and declared by the kernel
// itself, and there is no stack or runtime to call into.
package ptx

import (
	"github.com/tinyrange/codegen/internal/backend"
	"github.com/tinyrange/codegen/internal/target"
)

const Name = "ptx"

func init() {
	backend.Register(Name, New)
}

// New brings up the accelerator target. Foreign call addresses are
// ignored; kernels cannot reach the host runtime.
func New(cfg backend.Config) (*backend.Target, error) {
	regs := target.NewPTX()
	if len(cfg.ForeignAddresses) > 0 && cfg.Logger != nil {
		cfg.Logger.Debug("ignoring foreign calls for the device", "count", len(cfg.ForeignAddresses))
	}
	return &backend.Target{
		Name:             Name,
		Registers:        regs,
		Runtime:          cfg.Runtime,
		Emitter:          NewEmitter(regs, cfg.Logger),
		VirtualRegisters: true,
	}, nil
}
