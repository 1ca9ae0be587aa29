package meta

import "testing"

func TestKindByteCount(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBoolean, 1},
		{KindByte, 1},
		{KindChar, 2},
		{KindShort, 2},
		{KindInt, 4},
		{KindFloat, 4},
		{KindLong, 8},
		{KindDouble, 8},
		{KindObject, WordSize},
		{KindVoid, 0},
	}
	for _, tt := range tests {
		if got := tt.kind.ByteCount(); got != tt.want {
			t.Fatalf("%s.ByteCount()=%d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindVoid; k <= KindObject; k++ {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k, err)
		}
		if got != k {
			t.Fatalf("ParseKind(%q)=%s", k, got)
		}
	}
	if _, err := ParseKind("illegal"); err == nil {
		t.Fatalf("expected illegal to be rejected")
	}
}

func TestAssignability(t *testing.T) {
	object := &Type{Name: "Object", Kind: KindObject, Fingerprint: 1}
	base := &Type{Name: "Base", Kind: KindObject, Super: object, Fingerprint: 2}
	derived := &Type{Name: "Derived", Kind: KindObject, Super: base, Fingerprint: 3}

	if !base.IsAssignableFrom(derived) {
		t.Fatalf("Base should accept Derived")
	}
	if derived.IsAssignableFrom(base) {
		t.Fatalf("Derived should not accept Base")
	}

	intArr := ArrayOf(Primitive(KindInt), 9)
	if intArr.ElementalType().Kind != KindInt {
		t.Fatalf("elemental type of int[] = %v", intArr.ElementalType())
	}
	nested := ArrayOf(ArrayOf(derived, 4), 5)
	if nested.ElementalType() != derived {
		t.Fatalf("elemental type of Derived[][] = %v", nested.ElementalType())
	}
}

func TestArgumentKindsIncludesReceiver(t *testing.T) {
	m := &Method{Name: "g", Params: []Param{{Kind: KindInt}}, Return: KindObject}
	kinds := m.ArgumentKinds()
	if len(kinds) != 2 || kinds[0] != KindObject || kinds[1] != KindInt {
		t.Fatalf("ArgumentKinds()=%v", kinds)
	}
	m.Static = true
	if kinds := m.ArgumentKinds(); len(kinds) != 1 {
		t.Fatalf("static ArgumentKinds()=%v", kinds)
	}
}
