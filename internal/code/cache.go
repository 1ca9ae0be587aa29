package code

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/codegen/internal/asm"
	"github.com/tinyrange/codegen/internal/ir"
)

// region is the memory backing a cache.
type region interface {
	bytes() []byte
	base() uintptr
	// seal makes [off, off+n) executable and read-only.
	seal(off, n int) error
	executable() bool
	release() error
}

// Resolver supplies addresses at installation. Symbol resolves call
// targets; Constant returns the runtime value of a data slot and may leave
// it unset, in which case the slot stays zero for the runtime to fill.
type Resolver struct {
	Symbol   func(name string) (uintptr, bool)
	Constant func(c *ir.Constant) (uint64, bool)
}

// Installed is an artifact placed in a cache.
type Installed struct {
	Artifact   *Artifact
	Start, End uintptr
}

// Entry returns the absolute address of the first mark of kind.
func (in *Installed) Entry(kind asm.MarkKind) (uintptr, bool) {
	off, ok := in.Artifact.Mark(kind)
	if !ok {
		return 0, false
	}
	return in.Start + uintptr(off), true
}

func (in *Installed) Contains(pc uintptr) bool { return pc >= in.Start && pc < in.End }

// Cache is a fixed-size code cache. Artifacts are installed page-aligned so
// each can be sealed on its own.
type Cache struct {
	mu     sync.Mutex
	mem    region
	page   int
	used   int
	index  *btree.BTreeG[*Installed]
	log    *slog.Logger
	closed bool
}

// NewCache maps size bytes of code memory.
func NewCache(size int, log *slog.Logger) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("code: cache size must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	page := pageSize()
	size = alignUp(size, page)
	mem, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("code: map %d bytes: %w", size, err)
	}
	c := &Cache{
		mem:   mem,
		page:  page,
		index: btree.NewG[*Installed](8, func(a, b *Installed) bool { return a.Start < b.Start }),
		log:   log,
	}
	log.Debug("code cache mapped", "base", fmt.Sprintf("%#x", mem.base()), "size", size, "executable", mem.executable())
	return c, nil
}

// Bounds are the lowest and highest address code can be installed at.
func (c *Cache) Bounds() (low, high uint64) {
	return uint64(c.mem.base()), uint64(c.mem.base()) + uint64(len(c.mem.bytes()))
}

// Executable reports whether installed code can be run.
func (c *Cache) Executable() bool { return c.mem.executable() }

// Install copies a into the cache, resolving call relocations, near poll
// displacements and data slots against the final address.
func (c *Cache) Install(a *Artifact, r Resolver) (*Installed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("code: cache released")
	}
	size := a.Size()
	if size == 0 {
		return nil, fmt.Errorf("code: %s is empty", a.Name)
	}
	start := alignUp(c.used, c.page)
	mem := c.mem.bytes()
	if start+size > len(mem) {
		return nil, fmt.Errorf("code: cache full installing %s (%d bytes, %d free)", a.Name, size, len(mem)-start)
	}
	addr := c.mem.base() + uintptr(start)

	lookup := r.Symbol
	if lookup == nil {
		lookup = func(string) (uintptr, bool) { return 0, false }
	}
	prog := asm.NewProgram(a.Image(), len(a.Code), nil, a.Relocations)
	img, err := prog.RelocatedCopy(addr, lookup)
	if err != nil {
		return nil, fmt.Errorf("code: install %s: %w", a.Name, err)
	}
	for _, p := range a.DataPatches {
		if p.Offset < 0 || p.Offset+8 > len(img) {
			return nil, fmt.Errorf("code: install %s: data slot %d out of range", a.Name, p.Offset)
		}
		if r.Constant == nil {
			continue
		}
		if v, ok := r.Constant(p.Constant); ok {
			binary.LittleEndian.PutUint64(img[p.Offset:], v)
		}
	}

	copy(mem[start:], img)
	if err := c.mem.seal(start, alignUp(size, c.page)); err != nil {
		return nil, fmt.Errorf("code: seal %s: %w", a.Name, err)
	}
	c.used = start + size

	in := &Installed{Artifact: a, Start: addr, End: addr + uintptr(size)}
	c.index.ReplaceOrInsert(in)
	c.log.Debug("code installed",
		"unit", a.Name,
		"id", a.ID.String(),
		"start", fmt.Sprintf("%#x", in.Start),
		"size", size,
	)
	return in, nil
}

// Lookup finds the installed artifact containing pc.
func (c *Cache) Lookup(pc uintptr) (*Installed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *Installed
	c.index.DescendLessOrEqual(&Installed{Start: pc}, func(in *Installed) bool {
		found = in
		return false
	})
	if found == nil || !found.Contains(pc) {
		return nil, false
	}
	return found, true
}

// Installed returns every installed artifact in address order.
func (c *Cache) Installed() []*Installed {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Installed, 0, c.index.Len())
	c.index.Ascend(func(in *Installed) bool {
		out = append(out, in)
		return true
	})
	return out
}

// Bytes returns a copy of the installed image of in.
func (c *Cache) Bytes(in *Installed) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := int(in.Start - c.mem.base())
	return append([]byte(nil), c.mem.bytes()[start:start+int(in.End-in.Start)]...)
}

// Release unmaps the cache. Installed code must no longer run.
func (c *Cache) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.index.Clear(false)
	return c.mem.release()
}

func alignUp(v, boundary int) int {
	return (v + boundary - 1) / boundary * boundary
}
