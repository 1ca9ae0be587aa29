package foreign

import (
	"sort"
	"sync"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/target"
)

// Registry is the foreign call table of one backend. It is filled during
// bring-up, sealed, and read concurrently by compilations afterwards.
type Registry struct {
	regs *target.RegisterConfig

	mu      sync.RWMutex
	sealed  bool
	entries map[string]*Linkage
}

func NewRegistry(regs *target.RegisterConfig) *Registry {
	return &Registry{regs: regs, entries: make(map[string]*Linkage)}
}

// Register adds a linkage. Registering a name twice is fatal; use Replace to
// overwrite deliberately.
func (r *Registry) Register(d Descriptor, address uintptr, opts Options) *Linkage {
	return r.put(d, address, opts, false)
}

// Replace registers d, overwriting any earlier linkage of the same name.
func (r *Registry) Replace(d Descriptor, address uintptr, opts Options) *Linkage {
	return r.put(d, address, opts, true)
}

func (r *Registry) put(d Descriptor, address uintptr, opts Options, replace bool) *Linkage {
	fault.Guarantee(d.Name != "", "foreign: descriptor without a name")
	l := &Linkage{
		Descriptor:         Descriptor{Name: d.Name, Result: d.Result, Args: append(d.Args[:0:0], d.Args...)},
		Address:            address,
		Convention:         r.regs.MethodConvention(d.Result, d.Args, opts.Convention, false),
		PreservesRegisters: opts.PreservesRegisters,
		Transition:         opts.Transition,
		Reexecutability:    opts.Reexecutability,
		Touches:            append([]LocationIdentity(nil), opts.Touches...),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		fault.Fatalf("foreign: registry sealed, cannot register %s", d.Name)
	}
	if _, exists := r.entries[d.Name]; exists && !replace {
		fault.Fatalf("foreign: %s already registered", d.Name)
	}
	r.entries[d.Name] = l
	return l
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the linkage for name. A missing entry means the backend was
// brought up without a call it depends on, which is fatal.
func (r *Registry) Lookup(name string) *Linkage {
	r.mu.RLock()
	l, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		fault.Fatalf("foreign: no linkage registered for %s", name)
	}
	return l
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Resolve maps a call-site symbol to its address for relocation. Entries
// registered without an address do not resolve.
func (r *Registry) Resolve(symbol string) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.entries[symbol]
	if !ok || l.Address == 0 {
		return 0, false
	}
	return l.Address, true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
