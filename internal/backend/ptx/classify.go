package ptx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
)

// Class is the declared type of a virtual register. Within a family the
// wider class has the larger value.
type Class uint8

const (
	ClassNone Class = iota
	ClassS32
	ClassS64
	ClassF32
	ClassF64
)

func (c Class) String() string {
	switch c {
	case ClassS32:
		return "s32"
	case ClassS64:
		return "s64"
	case ClassF32:
		return "f32"
	case ClassF64:
		return "f64"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

func (c Class) float() bool { return c == ClassF32 || c == ClassF64 }

// prefix is the register name prefix used for registers of class c.
func (c Class) prefix() string {
	switch c {
	case ClassS32:
		return "%r"
	case ClassS64:
		return "%rd"
	case ClassF32:
		return "%f"
	case ClassF64:
		return "%fd"
	}
	return "%invalid"
}

// classOf is the class an operand is used at.
func classOf(v lir.Value) Class {
	if v.Narrow {
		return ClassS32
	}
	switch v.Type {
	case meta.KindFloat:
		return ClassF32
	case meta.KindDouble:
		return ClassF64
	case meta.KindLong, meta.KindObject:
		return ClassS64
	case meta.KindInt, meta.KindBoolean, meta.KindByte, meta.KindShort, meta.KindChar:
		return ClassS32
	}
	fault.Fatalf("ptx: no register class for %s", v)
	return ClassNone
}

// promote merges a new use into a register's class. The result never gets
// narrower; mixing the integer and float families is fatal.
func promote(cur, use Class) Class {
	if cur == ClassNone {
		return use
	}
	if cur.float() != use.float() {
		fault.Fatalf("ptx: register used as both %s and %s", cur, use)
	}
	return max(cur, use)
}

// Declarations is the register class of every virtual register the unit
// touches.
type Declarations struct {
	classes []Class
}

// ClassifyRegisters walks every operand of res once and settles the class
// each variable is declared with.
func ClassifyRegisters(res *lir.LIR) Declarations {
	d := Declarations{classes: make([]Class, len(res.Variables))}
	res.Each(func(_ *lir.Block, _ int, ins lir.Instruction) {
		ins.Visit(func(v *lir.Value, _ lir.Role) {
			if !v.IsVariable() {
				return
			}
			fault.Guarantee(v.Index >= 0 && v.Index < len(d.classes), "ptx: %s is not a variable of the unit", v)
			d.classes[v.Index] = promote(d.classes[v.Index], classOf(*v))
		})
	})
	return d
}

// Class returns the declared class of variable index, or ClassNone for a
// variable no instruction uses.
func (d Declarations) Class(index int) Class {
	if index < 0 || index >= len(d.classes) {
		return ClassNone
	}
	return d.classes[index]
}

// Name is the register name variable index is emitted as.
func (d Declarations) Name(index int) string {
	c := d.Class(index)
	fault.Guarantee(c != ClassNone, "ptx: v%d was never classified", index)
	return fmt.Sprintf("%s%d", c.prefix(), index)
}

// Group returns the variables declared with class c in ascending order.
func (d Declarations) Group(c Class) []int {
	var out []int
	for i, got := range d.classes {
		if got == c {
			out = append(out, i)
		}
	}
	return out
}

// Lines renders one .reg directive per non-empty class group.
func (d Declarations) Lines() []string {
	var lines []string
	for _, c := range []Class{ClassS32, ClassS64, ClassF32, ClassF64} {
		group := d.Group(c)
		if len(group) == 0 {
			continue
		}
		sort.Ints(group)
		names := make([]string, len(group))
		for i, idx := range group {
			names[i] = fmt.Sprintf("%s%d", c.prefix(), idx)
		}
		lines = append(lines, fmt.Sprintf(".reg .%s %s;", c, strings.Join(names, ", ")))
	}
	return lines
}
