//go:build !unix

package code

import "unsafe"

// heapRegion lays code out in ordinary memory. It cannot be executed.
type heapRegion struct {
	mem []byte
}

func pageSize() int { return 4096 }

func mapRegion(size int) (region, error) {
	return &heapRegion{mem: make([]byte, size)}, nil
}

func (r *heapRegion) bytes() []byte       { return r.mem }
func (r *heapRegion) base() uintptr       { return uintptr(unsafe.Pointer(&r.mem[0])) }
func (r *heapRegion) executable() bool    { return false }
func (r *heapRegion) seal(int, int) error { return nil }
func (r *heapRegion) release() error      { return nil }
