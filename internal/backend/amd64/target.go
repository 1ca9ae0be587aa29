// Package amd64 is the x86-64 host backend: it brings up the register
// model and runtime call table and emits allocated LIR as machine code.
package amd64

import (
	"fmt"
	"sort"

	"github.com/tinyrange/codegen/internal/backend"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/target"
)

// Name is the key the backend is registered under.
const Name = "amd64"

func init() {
	backend.Register(Name, New)
}

// New brings up the host target. Every standard runtime service is
// registered; addresses for names outside that set are rejected.
func New(cfg backend.Config) (*backend.Target, error) {
	rt := cfg.Runtime
	regs := target.NewAMD64(target.AMD64Options{CompressedOops: rt.CompressedOops.Enabled})

	var unknown []string
	for name := range cfg.ForeignAddresses {
		if _, ok := foreign.StandardDescriptor(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("amd64: unknown foreign calls %v", unknown)
	}

	calls := foreign.NewRegistry(regs)
	foreign.RegisterStandard(calls, cfg.ForeignAddresses)
	calls.Seal()

	return &backend.Target{
		Name:      Name,
		Registers: regs,
		Foreign:   calls,
		Runtime:   rt,
		Emitter:   NewEmitter(regs, calls, rt, cfg.Logger),
	}, nil
}
