package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/meta"
)

// Handle is an installed kernel: its device entry point and the host
// wrapper that launches it.
type Handle struct {
	ID      uuid.UUID
	Method  *meta.Method
	Entry   uintptr
	Kernel  *code.Artifact
	Wrapper *code.Artifact

	invalid atomic.Bool
}

// Valid reports whether the handle may still be called.
func (h *Handle) Valid() bool { return !h.invalid.Load() }

// Invalidate marks the handle dead. The registry drops it the next time a
// kernel is installed.
func (h *Handle) Invalidate() { h.invalid.Store(true) }

// Registry holds the installed kernels of one accelerator. A single lock
// covers every access and is never held across code generation.
type Registry struct {
	mu      sync.Mutex
	handles []*Handle
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add prunes invalidated handles and appends h. It returns how many
// handles were pruned.
func (r *Registry) Add(h *Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.handles[:0]
	for _, old := range r.handles {
		if old.Valid() {
			kept = append(kept, old)
		}
	}
	pruned := len(r.handles) - len(kept)
	clear(r.handles[len(kept):])
	r.handles = append(kept, h)
	return pruned
}

// Handles returns a snapshot of the registered handles, including any
// invalidated since the last Add.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close invalidates every handle and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.Invalidate()
	}
	r.handles = nil
}
