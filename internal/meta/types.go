package meta

import (
	"fmt"
	"strings"
)

// Type describes a class, array or primitive type known to the runtime.
type Type struct {
	Name string
	// Kind is KindObject for classes and arrays, the primitive kind otherwise.
	Kind Kind
	// Element is set for arrays.
	Element *Type
	Super   *Type
	// Fingerprint is an integrity checksum over the type's shape. Zero means
	// the metadata is unresolved and must not be embedded in code.
	Fingerprint uint64
	Interfaces  []*Type
}

// Primitive returns the singleton-like primitive type for k.
func Primitive(k Kind) *Type {
	return &Type{Name: k.String(), Kind: k}
}

// ArrayOf returns an array type with elem as its component.
func ArrayOf(elem *Type, fingerprint uint64) *Type {
	return &Type{Name: elem.Name + "[]", Kind: KindObject, Element: elem, Fingerprint: fingerprint}
}

func (t *Type) String() string {
	if t == nil {
		return "<nil type>"
	}
	return t.Name
}

func (t *Type) IsArray() bool { return t != nil && t.Element != nil }

func (t *Type) IsPrimitive() bool { return t != nil && t.Element == nil && t.Kind != KindObject }

// ElementalType strips every array dimension.
func (t *Type) ElementalType() *Type {
	for t != nil && t.Element != nil {
		t = t.Element
	}
	return t
}

// IsAssignableFrom reports whether a value of type other can be stored in a
// location of type t.
func (t *Type) IsAssignableFrom(other *Type) bool {
	if t == nil || other == nil {
		return false
	}
	if t.IsArray() && other.IsArray() {
		if t.Element.IsPrimitive() || other.Element.IsPrimitive() {
			return t.Element == other.Element
		}
		return t.Element.IsAssignableFrom(other.Element)
	}
	for cur := other; cur != nil; cur = cur.Super {
		if cur == t {
			return true
		}
		for _, iface := range cur.Interfaces {
			if iface == t || t.IsAssignableFrom(iface) {
				return true
			}
		}
	}
	return false
}

// Dimension names an axis of a parallel kernel launch.
type Dimension uint8

const (
	DimNone Dimension = iota
	DimX
	DimY
	DimZ
)

// Dimensions lists the launch axes in order.
var Dimensions = []Dimension{DimX, DimY, DimZ}

func (d Dimension) String() string {
	switch d {
	case DimNone:
		return "none"
	case DimX:
		return "x"
	case DimY:
		return "y"
	case DimZ:
		return "z"
	}
	return fmt.Sprintf("dim(%d)", uint8(d))
}

func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DimNone, nil
	case "x":
		return DimX, nil
	case "y":
		return DimY, nil
	case "z":
		return DimZ, nil
	}
	return DimNone, fmt.Errorf("meta: unknown dimension %q", s)
}

// Param is one declared parameter of a method.
type Param struct {
	Name string
	Kind Kind
	Type *Type
	// ParallelOver marks an array parameter whose length drives a launch axis.
	ParallelOver Dimension
}

// Method is a compiled unit's identity.
type Method struct {
	Name   string
	Holder *Type
	Params []Param
	Return Kind
	Static bool
	// Linked means the callee is guaranteed to be linked already, so calls
	// to it need no inline cache.
	Linked bool
	// Interface marks methods declared on an interface (dispatched through
	// an itable rather than a vtable).
	Interface bool
}

// ArgumentKinds returns the kinds passed by a caller, receiver first for
// instance methods.
func (m *Method) ArgumentKinds() []Kind {
	kinds := make([]Kind, 0, len(m.Params)+1)
	if !m.Static {
		kinds = append(kinds, KindObject)
	}
	for _, p := range m.Params {
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	var sb strings.Builder
	if m.Holder != nil {
		sb.WriteString(m.Holder.Name)
		sb.WriteByte('.')
	}
	sb.WriteString(m.Name)
	sb.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Kind.String())
	}
	sb.WriteString(")")
	sb.WriteString(m.Return.String())
	return sb.String()
}
