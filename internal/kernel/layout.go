// Package kernel bridges host code and accelerator kernels: it lays out
// the parameter buffer, builds the host wrapper that fills it and launches
// the kernel, and tracks installed kernels.
package kernel

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/meta"
)

// Slot is where one value lives in the parameter buffer.
type Slot struct {
	Offset    int
	Size      int
	Kind      meta.Kind
	Reference bool
}

// Layout is the parameter buffer of a kernel: every argument, receiver
// first, and an optional trailing word for the device address of the
// result.
type Layout struct {
	Args []Slot
	// Return is valid when HasReturn is set and always occupies the last
	// word of the buffer.
	Return    Slot
	HasReturn bool
	Size      int
	WordSize  int
}

// ComputeLayout places the arguments of m in declaration order, each
// aligned to its own size, then reserves the result word. The total is a
// multiple of wordSize.
func ComputeLayout(m *meta.Method, wordSize int) Layout {
	fault.Guarantee(wordSize > 0, "kernel: word size must be positive")
	l := Layout{WordSize: wordSize}
	off := 0
	for i, k := range m.ArgumentKinds() {
		size := k.ByteCount()
		if size == 0 {
			fault.Fatalf("kernel: %s: unsupported argument kind %s in position %d", m, k, i)
		}
		if k == meta.KindObject {
			size = wordSize
		}
		off = alignUp(off, size)
		l.Args = append(l.Args, Slot{Offset: off, Size: size, Kind: k, Reference: k == meta.KindObject})
		off += size
	}
	off = alignUp(off, wordSize)
	if m.Return != meta.KindVoid {
		l.HasReturn = true
		l.Return = Slot{Offset: off, Size: wordSize, Kind: m.Return, Reference: m.Return == meta.KindObject}
		off += wordSize
	}
	l.Size = off
	return l
}

func alignUp(v, boundary int) int {
	return (v + boundary - 1) / boundary * boundary
}

// EncodedReturnSize tells the launch primitive how to copy the result out:
// its byte width, minus the word size for references and zero for void.
func (l Layout) EncodedReturnSize() int {
	if !l.HasReturn {
		return 0
	}
	if l.Return.Reference {
		return -l.WordSize
	}
	return l.Return.Kind.ByteCount()
}

func (l Layout) String() string {
	var sb strings.Builder
	for i, s := range l.Args {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s@%d", s.Kind, s.Offset)
	}
	if l.HasReturn {
		fmt.Fprintf(&sb, " ret:%s@%d", l.Return.Kind, l.Return.Offset)
	}
	fmt.Fprintf(&sb, " [%d]", l.Size)
	return strings.TrimSpace(sb.String())
}
