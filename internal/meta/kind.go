package meta

import "fmt"

// Kind is the storage kind of a value as seen by the backend.
type Kind uint8

const (
	KindIllegal Kind = iota
	KindVoid
	KindBoolean
	KindByte
	KindShort
	KindChar
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
)

// WordSize is the width of a pointer on every supported target.
const WordSize = 8

var kindNames = [...]string{
	KindIllegal: "illegal",
	KindVoid:    "void",
	KindBoolean: "boolean",
	KindByte:    "byte",
	KindShort:   "short",
	KindChar:    "char",
	KindInt:     "int",
	KindLong:    "long",
	KindFloat:   "float",
	KindDouble:  "double",
	KindObject:  "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindIllegal {
			return Kind(k), nil
		}
	}
	return KindIllegal, fmt.Errorf("meta: unknown kind %q", s)
}

// ByteCount returns the in-memory size of a value of this kind. Objects are
// word sized; void and illegal are zero.
func (k Kind) ByteCount() int {
	switch k {
	case KindBoolean, KindByte:
		return 1
	case KindShort, KindChar:
		return 2
	case KindInt, KindFloat:
		return 4
	case KindLong, KindDouble, KindObject:
		return 8
	default:
		return 0
	}
}

// StackKind widens sub-int kinds to KindInt.
func (k Kind) StackKind() Kind {
	switch k {
	case KindBoolean, KindByte, KindShort, KindChar:
		return KindInt
	}
	return k
}

func (k Kind) IsNumericInteger() bool {
	switch k {
	case KindBoolean, KindByte, KindShort, KindChar, KindInt, KindLong:
		return true
	}
	return false
}

func (k Kind) IsNumericFloat() bool {
	return k == KindFloat || k == KindDouble
}

func (k Kind) IsObject() bool {
	return k == KindObject
}

// IsUnsigned is true for char, the only unsigned sub-int kind.
func (k Kind) IsUnsigned() bool {
	return k == KindChar || k == KindBoolean
}

// IsValue reports whether k can be held in a register.
func (k Kind) IsValue() bool {
	return k != KindIllegal && k != KindVoid
}
