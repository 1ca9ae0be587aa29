// Package backend composes a compilation target from small strategy
// objects and keeps the table of targets the compiler can be brought up
// for.
package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/target"
)

// Emitter turns allocated LIR into an installable artifact.
type Emitter interface {
	Emit(res *lir.LIR) (*code.Artifact, error)
}

// Target is one brought-up backend. The register model, the foreign call
// table and the emitter are independent pieces; the compiler only talks to
// them through this struct.
type Target struct {
	Name      string
	Registers *target.RegisterConfig
	// Foreign is nil for targets that cannot call into the runtime.
	Foreign *foreign.Registry
	Runtime target.Runtime
	Emitter Emitter
	// VirtualRegisters is set when the target declares registers itself
	// and LIR variables are emitted without allocation.
	VirtualRegisters bool
}

// Config is what a factory needs to bring a target up.
type Config struct {
	Runtime target.Runtime
	// ForeignAddresses maps runtime service names to their entry points.
	ForeignAddresses map[string]uint64
	Logger           *slog.Logger
}

// Factory brings up a target. Factories may raise fatal errors for
// inconsistent registrations; New recovers them.
type Factory func(cfg Config) (*Target, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register wires a target factory into the table. It panics when the same
// name is registered twice so mistakes are caught during init.
func Register(name string, f Factory) {
	if name == "" {
		panic("backend: cannot register a target without a name")
	}
	if f == nil {
		panic("backend: factory must be non-nil")
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("backend: target %s already registered", name))
	}
	factories[name] = f
}

func lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	if f, ok := factories[name]; ok {
		return f, nil
	}
	if name == "" {
		return nil, fmt.Errorf("backend: target must be specified")
	}
	return nil, fmt.Errorf("backend: no target registered for %q", name)
}

// New brings up the target registered under name.
func New(name string, cfg Config) (t *Target, err error) {
	defer fault.Recover(&err)
	f, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t, err = f(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: bring up %s: %w", name, err)
	}
	if t.Foreign != nil && !t.Foreign.Sealed() {
		t.Foreign.Seal()
	}
	cfg.Logger.Debug("backend ready", "target", name, "virtual_registers", t.VirtualRegisters)
	return t, nil
}

// Names lists the registered targets in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
