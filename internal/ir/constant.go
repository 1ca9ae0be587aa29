package ir

import (
	"fmt"
	"math"

	"github.com/tinyrange/codegen/internal/meta"
)

type ConstantKind uint8

const (
	// ConstPrimitive holds raw bits of a primitive value.
	ConstPrimitive ConstantKind = iota
	ConstNull
	// ConstType references type metadata (a class hub).
	ConstType
	// ConstHeap references an object on the managed heap.
	ConstHeap
	// ConstMethod references a method's runtime metadata.
	ConstMethod
)

// HeapKind classifies heap constants.
type HeapKind uint8

const (
	HeapString HeapKind = iota
	HeapInstance
	HeapMirror
	HeapMethodHandle
)

var heapNames = [...]string{"string", "instance", "mirror", "methodhandle"}

func (h HeapKind) String() string {
	if int(h) < len(heapNames) {
		return heapNames[h]
	}
	return fmt.Sprintf("heap(%d)", uint8(h))
}

func ParseHeapKind(s string) (HeapKind, error) {
	for i, name := range heapNames {
		if name == s {
			return HeapKind(i), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown heap constant kind %q", s)
}

// Constant is the payload of an OpConstant node and of the resolution nodes
// that replace it.
type Constant struct {
	Kind ConstantKind
	Prim meta.Kind
	Bits int64
	// Type is the referenced type for ConstType and the object's type for
	// ConstHeap.
	Type       *meta.Type
	Method     *meta.Method
	Heap       HeapKind
	Text       string
	Compressed bool
}

func IntConstant(v int32) *Constant {
	return &Constant{Kind: ConstPrimitive, Prim: meta.KindInt, Bits: int64(v)}
}

func LongConstant(v int64) *Constant {
	return &Constant{Kind: ConstPrimitive, Prim: meta.KindLong, Bits: v}
}

func FloatConstant(v float32) *Constant {
	return &Constant{Kind: ConstPrimitive, Prim: meta.KindFloat, Bits: int64(math.Float32bits(v))}
}

func DoubleConstant(v float64) *Constant {
	return &Constant{Kind: ConstPrimitive, Prim: meta.KindDouble, Bits: int64(math.Float64bits(v))}
}

func NullConstant() *Constant {
	return &Constant{Kind: ConstNull, Prim: meta.KindObject}
}

// TypeConstant references t's metadata.
func TypeConstant(t *meta.Type) *Constant {
	return &Constant{Kind: ConstType, Prim: meta.KindLong, Type: t}
}

// MethodConstant references m's runtime metadata.
func MethodConstant(m *meta.Method) *Constant {
	return &Constant{Kind: ConstMethod, Prim: meta.KindLong, Method: m}
}

func StringConstant(s string) *Constant {
	return &Constant{Kind: ConstHeap, Prim: meta.KindObject, Heap: HeapString, Text: s}
}

// ValueKind is the kind of the value a node holding c produces.
func (c *Constant) ValueKind() meta.Kind {
	switch c.Kind {
	case ConstNull, ConstHeap:
		return meta.KindObject
	case ConstType, ConstMethod:
		return meta.KindLong
	}
	return c.Prim
}

// IsDefaultForKind reports whether c is the zero value of its kind.
func (c *Constant) IsDefaultForKind() bool {
	return c.Kind == ConstNull || (c.Kind == ConstPrimitive && c.Bits == 0)
}

// Key identifies constants that denote the same runtime entity.
func (c *Constant) Key() string {
	switch c.Kind {
	case ConstPrimitive:
		return fmt.Sprintf("prim:%s:%d", c.Prim, c.Bits)
	case ConstNull:
		return "null"
	case ConstType:
		return fmt.Sprintf("type:%p:%t", c.Type, c.Compressed)
	case ConstHeap:
		if c.Heap == HeapString {
			return "string:" + c.Text
		}
		return fmt.Sprintf("heap:%s:%p:%s", c.Heap, c.Type, c.Text)
	case ConstMethod:
		return fmt.Sprintf("method:%p:%s", c.Method, c.Text)
	}
	return "?"
}

func (c *Constant) String() string {
	switch c.Kind {
	case ConstPrimitive:
		switch c.Prim {
		case meta.KindFloat:
			return fmt.Sprintf("%g", math.Float32frombits(uint32(c.Bits)))
		case meta.KindDouble:
			return fmt.Sprintf("%g", math.Float64frombits(uint64(c.Bits)))
		}
		return fmt.Sprintf("%d", c.Bits)
	case ConstNull:
		return "null"
	case ConstType:
		if c.Compressed {
			return "narrow-type:" + c.Type.String()
		}
		return "type:" + c.Type.String()
	case ConstHeap:
		if c.Heap == HeapString {
			return fmt.Sprintf("%q", c.Text)
		}
		return fmt.Sprintf("%s:%s", c.Heap, c.Type)
	case ConstMethod:
		return "method:" + c.Method.String()
	}
	return "?"
}
