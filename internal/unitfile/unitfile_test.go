package unitfile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

func loadUnits(t *testing.T) []Unit {
	t.Helper()
	f, err := Load(filepath.Join("testdata", "units.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	units, err := f.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return units
}

func count(g *ir.Graph, op ir.Op) int { return len(g.NodesOf(op)) }

func TestBuildSample(t *testing.T) {
	units := loadUnits(t)
	if len(units) != 5 {
		t.Fatalf("got %d units, want 5", len(units))
	}

	madd := units[0].Graph
	if got := count(madd, ir.OpBinary); got != 2 {
		t.Fatalf("madd has %d binaries, want 2", got)
	}

	mx := units[1].Graph
	if count(mx, ir.OpMerge) != 1 || count(mx, ir.OpPhi) != 1 {
		t.Fatalf("max is missing its merge:\n%s", mx.Dump())
	}
	phi := mx.Node(mx.NodesOf(ir.OpPhi)[0])
	if len(phi.Inputs) != 3 || phi.Kind != meta.KindInt {
		t.Fatalf("phi = %s with %d inputs", phi, len(phi.Inputs))
	}

	classify := units[2].Graph
	if count(classify, ir.OpReturn) != 3 || count(classify, ir.OpMerge) != 0 {
		t.Fatalf("classify returns from every case:\n%s", classify.Dump())
	}
	call := classify.Node(classify.NodesOf(ir.OpInvoke)[0])
	if call.Method.Name != "helper" || call.Invoke != ir.InvokeStatic || !call.HasState {
		t.Fatalf("invoke = %+v", call)
	}

	hub := units[3].Graph
	if hub.Method.Static || len(hub.Params()) != 1 {
		t.Fatalf("instance method has params %v", hub.Params())
	}

	scale := units[4]
	if !scale.Kernel {
		t.Fatalf("scale is not a kernel")
	}
	xs := scale.Graph.Method.Params[0]
	if xs.ParallelOver != meta.DimX || !xs.Type.IsArray() || xs.Type.Element.Kind != meta.KindFloat {
		t.Fatalf("xs = %+v", xs)
	}
	k := scale.Graph.Node(scale.Graph.NodesOf(ir.OpConstant)[0])
	if k.Const.Bits != 16 {
		t.Fatalf("hex literal = %d, want 16", k.Const.Bits)
	}
}

func TestBuildErrors(t *testing.T) {
	const header = `
types: [{name: T, fingerprint: 1}]
units:
  - method: {holder: T, name: f, static: true, return: int, params: [{kind: int}]}
    body:
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"undefined", "      - {op: Return, inputs: [nope]}", "undefined value"},
		{"argument", "      - {op: Return, inputs: [$3]}", "no argument"},
		{"falls off", "      - {id: x, op: Constant, kind: int, value: '1'}", "falls off"},
		{"unreachable", "      - {op: Return, inputs: [$0]}\n      - {op: Return, inputs: [$0]}", "unreachable"},
		{"void return", "      - {op: Return}", "does not match"},
		{"bad op", "      - {op: Frobnicate}", "unknown op"},
		{"reserved", "      - {op: Goto}", "cannot be written"},
		{"phi", "      - {id: p, op: Phi, inputs: [$0]}", "without a preceding merge"},
		{"redefined", "      - {id: a, op: Constant, kind: int, value: '1'}\n      - {id: a, op: Constant, kind: int, value: '2'}", "defined twice"},
		{"literal", "      - {op: Constant, kind: int, value: 'x'}", "invalid syntax"},
		{"cases", "      - {op: Switch, inputs: [$0], keys: [1], cases: [[]]}", "cases"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(header + tt.body + "\n"))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err = f.Build()
			if err == nil {
				t.Fatalf("Build accepted the unit")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no units", "types: []", "no units"},
		{"unknown field", "units: [{method: {holder: T, name: f}, bogus: 1}]", "bogus"},
		{"holder", "units: [{method: {holder: Missing, name: f}}]", "unknown type"},
		{"duplicate", "types: [{name: T}, {name: T}]\nunits: [{method: {holder: T, name: f}}]", "declared twice"},
		{"param", "types: [{name: T}]\nunits: [{method: {holder: T, name: f, params: [{name: p}]}}]", "neither kind nor type"},
		{"dimension", "types: [{name: T}]\nunits: [{method: {holder: T, name: f, params: [{kind: object, parallel_over: w}]}}]", "unknown dimension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.yaml))
			if err == nil {
				_, err = f.Resolve()
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
