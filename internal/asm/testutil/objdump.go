// Package testutil disassembles generated code with GNU objdump so encoder
// tests can compare against an independent decoder. Tests skip when
// objdump is not installed.
package testutil

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// machines maps target names to objdump's -m argument.
var machines = map[string]string{
	"amd64": "i386:x86-64",
	"arm64": "aarch64",
}

// Insn is one decoded instruction.
type Insn struct {
	Offset   string
	Mnemonic string
	// Operands is the operand text with runs of spaces collapsed.
	Operands string
}

func (i Insn) String() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

// Disassemble decodes text as raw code for target in AT&T syntax.
func Disassemble(t *testing.T, target string, text []byte) []Insn {
	t.Helper()
	machine, ok := machines[target]
	if !ok {
		t.Fatalf("testutil: no objdump machine for %q", target)
	}
	tool, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := filepath.Join(t.TempDir(), "code.bin")
	if err := os.WriteFile(path, text, 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	out, err := exec.Command(tool, "-D", "-b", "binary", "-m", machine, "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump: %v\n\n%s", err, out)
	}
	insns := parse(string(out))
	if len(insns) == 0 {
		t.Fatalf("objdump decoded nothing:\n%s", out)
	}
	return insns
}

func parse(out string) []Insn {
	var insns []Insn
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		off, text, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		off = strings.TrimSpace(off)
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "file format") || strings.ContainsAny(off, " <") {
			continue
		}
		fields := strings.Fields(text)
		insn := Insn{Offset: off, Mnemonic: strings.ToLower(fields[0])}
		// lock and rep are printed as their own mnemonic.
		if len(fields) > 1 && (insn.Mnemonic == "lock" || strings.HasPrefix(insn.Mnemonic, "rep")) {
			insn.Mnemonic += " " + fields[1]
			fields = fields[1:]
		}
		insn.Operands = strings.Join(fields[1:], " ")
		insns = append(insns, insn)
	}
	return insns
}
