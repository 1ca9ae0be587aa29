package target

import (
	"fmt"
	"strings"
)

// AllocationConfig is the register set a single compilation may allocate
// from: the target's preferred order, optionally restricted by name.
type AllocationConfig struct {
	config *RegisterConfig
	order  []Register
}

// NewAllocationConfig intersects restrict with the allocatable registers of
// rc, keeping the preferred order. An empty restriction allows everything.
// Unknown names and restrictions that leave no general register are errors.
func NewAllocationConfig(rc *RegisterConfig, restrict []string) (*AllocationConfig, error) {
	ac := &AllocationConfig{config: rc}
	if len(restrict) == 0 {
		ac.order = rc.Allocatable()
		return ac, nil
	}

	allowed := make(map[string]bool, len(restrict))
	for _, name := range restrict {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := rc.Register(name); !ok {
			return nil, fmt.Errorf("%s has no register %q", rc.Name(), name)
		}
		allowed[name] = true
	}
	for _, r := range rc.Allocatable() {
		if allowed[r.Name] {
			ac.order = append(ac.order, r)
		}
	}
	if len(ac.Registers(CategoryCPU)) == 0 && len(rc.Allocatable()) > 0 {
		return nil, fmt.Errorf("register restriction %v leaves no allocatable general register", restrict)
	}
	return ac, nil
}

func (ac *AllocationConfig) Config() *RegisterConfig { return ac.config }

// Order returns every allocatable register in preference order.
func (ac *AllocationConfig) Order() []Register {
	return append([]Register(nil), ac.order...)
}

// Registers returns the allocatable registers of one category in
// preference order.
func (ac *AllocationConfig) Registers(cat Category) []Register {
	var out []Register
	for _, r := range ac.order {
		if r.Category == cat {
			out = append(out, r)
		}
	}
	return out
}
