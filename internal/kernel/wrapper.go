package kernel

import (
	"fmt"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/foreign"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
	"github.com/tinyrange/codegen/internal/target"
)

// PendingExceptionReason is the deoptimization reason used when the
// device left an exception on the calling thread.
const PendingExceptionReason = "pending_exception"

// WrapperConfig describes the host the wrapper runs on.
type WrapperConfig struct {
	Runtime  target.Runtime
	WordSize int
}

// BuildWrapper builds the host unit that launches the kernel at entry with
// the same signature as m. The wrapper copies its arguments into a stack
// buffer laid out by ComputeLayout, calls the launch primitive, deoptimizes
// if the device raised an exception and converts the raw result to m's
// return kind.
//
// Two parameters driving the same launch dimension are fatal.
func BuildWrapper(m *meta.Method, entry uintptr, cfg WrapperConfig) (*ir.Graph, error) {
	if entry == 0 {
		return nil, fmt.Errorf("kernel: %s has no entry point", m)
	}
	if cfg.WordSize == 0 {
		cfg.WordSize = meta.WordSize
	}
	layout := ComputeLayout(m, cfg.WordSize)
	dims, err := launchDimensions(m)
	if err != nil {
		return nil, err
	}

	b := ir.NewBuilder(m)
	buf := b.Append(ir.Node{Op: ir.OpStackBuffer, Kind: meta.KindLong, Offset: int64(layout.Size)})
	for i, slot := range layout.Args {
		b.Append(ir.Node{Op: ir.OpRawStore, Kind: slot.Kind, Inputs: []ir.NodeID{buf, b.Param(i)}, Offset: int64(slot.Offset)})
	}
	if layout.HasReturn {
		b.Append(ir.Node{Op: ir.OpRawStore, Kind: meta.KindLong, Inputs: []ir.NodeID{buf, b.Long(0)}, Offset: int64(layout.Return.Offset)})
	}

	// Parameter positions shift by one when there is a receiver.
	first := 0
	if !m.Static {
		first = 1
	}
	counts := make([]ir.NodeID, len(meta.Dimensions))
	for i, d := range meta.Dimensions {
		if p, ok := dims[d]; ok {
			counts[i] = b.Append(ir.Node{Op: ir.OpArrayLength, Kind: meta.KindInt, Inputs: []ir.NodeID{b.Param(first + p)}})
		} else {
			counts[i] = b.Int(1)
		}
	}

	thread := b.Float(ir.Node{Op: ir.OpCurrentThread, Kind: meta.KindLong})
	args := []ir.NodeID{
		thread,
		b.Long(int64(entry)),
		buf,
		b.Int(int32(layout.Size)),
		b.Int(int32(layout.EncodedReturnSize())),
	}
	args = append(args, counts...)
	result := b.ForeignCall(foreign.ExecuteKernel, meta.KindLong, args...)
	b.G.Node(result).HasState = true

	pending := b.Append(ir.Node{Op: ir.OpRawLoad, Kind: meta.KindObject, Inputs: []ir.NodeID{thread}, Offset: int64(cfg.Runtime.Offsets.PendingException)})
	raised, normal := b.If(b.Compare(ir.CondNE, pending, b.Const(ir.NullConstant())))
	b.SetCurrent(raised)
	b.Append(ir.Node{Op: ir.OpDeoptimize, Reason: PendingExceptionReason, HasState: true})
	b.SetCurrent(normal)

	switch k := m.Return; k {
	case meta.KindVoid:
		b.Return(ir.NoNode)
	case meta.KindLong:
		b.Return(result)
	case meta.KindInt, meta.KindBoolean, meta.KindByte, meta.KindShort, meta.KindChar:
		b.Return(b.Float(ir.Node{Op: ir.OpNarrow, Kind: k, Inputs: []ir.NodeID{result}}))
	case meta.KindFloat, meta.KindDouble:
		b.Return(b.Float(ir.Node{Op: ir.OpReinterpret, Kind: k, Inputs: []ir.NodeID{result}}))
	case meta.KindObject:
		obj := b.ForeignCall(foreign.FetchKernelObjectResult, meta.KindObject, thread, result)
		b.G.Node(obj).HasState = true
		b.Return(obj)
	default:
		fault.Fatalf("kernel: %s: unsupported return kind %s", m, k)
	}

	if err := b.G.Verify(); err != nil {
		return nil, fmt.Errorf("kernel: wrapper for %s: %w", m, err)
	}
	return b.G, nil
}

// launchDimensions maps each launch axis to the declared parameter whose
// array length drives it.
func launchDimensions(m *meta.Method) (map[meta.Dimension]int, error) {
	dims := make(map[meta.Dimension]int)
	for i, p := range m.Params {
		if p.ParallelOver == meta.DimNone {
			continue
		}
		if prev, dup := dims[p.ParallelOver]; dup {
			fault.Fatalf("kernel: %s: parameters %d and %d both run parallel over %s", m, prev, i, p.ParallelOver)
		}
		if p.Kind != meta.KindObject || (p.Type != nil && !p.Type.IsArray()) {
			return nil, fmt.Errorf("kernel: %s: parameter %d runs parallel over %s but is not an array", m, i, p.ParallelOver)
		}
		dims[p.ParallelOver] = i
	}
	return dims, nil
}
