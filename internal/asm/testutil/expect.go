package testutil

import (
	"strings"
	"testing"
)

// Want is an instruction expected at one position of a listing. Operands
// are substrings of the decoded operand text.
type Want struct {
	Mnemonic string
	Operands []string
}

func (w Want) matches(i Insn) bool {
	if w.Mnemonic != "" && !strings.HasPrefix(i.Mnemonic, w.Mnemonic) {
		return false
	}
	for _, op := range w.Operands {
		if !strings.Contains(i.String(), op) {
			return false
		}
	}
	return true
}

// Expect checks insns against want position by position. Trailing
// instructions, such as alignment padding, are ignored.
func Expect(t *testing.T, insns []Insn, want []Want) {
	t.Helper()
	if len(insns) < len(want) {
		t.Fatalf("decoded %d instructions, want at least %d", len(insns), len(want))
	}
	for i, w := range want {
		if !w.matches(insns[i]) {
			t.Fatalf("instruction %d at %s is %q, want %s %v", i, insns[i].Offset, insns[i], w.Mnemonic, w.Operands)
		}
	}
}

// Contains reports whether any instruction matches w.
func Contains(insns []Insn, w Want) bool {
	for _, i := range insns {
		if w.matches(i) {
			return true
		}
	}
	return false
}
