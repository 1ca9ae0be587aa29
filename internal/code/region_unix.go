//go:build unix

package code

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type mmapRegion struct {
	mem []byte
}

func pageSize() int { return unix.Getpagesize() }

func mapRegion(size int) (region, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &mmapRegion{mem: mem}, nil
}

func (r *mmapRegion) bytes() []byte    { return r.mem }
func (r *mmapRegion) base() uintptr    { return uintptr(unsafe.Pointer(&r.mem[0])) }
func (r *mmapRegion) executable() bool { return true }

func (r *mmapRegion) seal(off, n int) error {
	return unix.Mprotect(r.mem[off:off+n], unix.PROT_READ|unix.PROT_EXEC)
}

func (r *mmapRegion) release() error {
	return unix.Munmap(r.mem)
}
