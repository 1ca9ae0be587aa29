package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/codegen/internal/target"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got, want := cfg.TargetRuntime(), target.DefaultRuntime(); !reflect.DeepEqual(got, want) {
		t.Fatalf("TargetRuntime() = %+v, want %+v", got, want)
	}
}

const sample = `
version: v1.4.2
target: {arch: amd64}
runtime:
  polling_address: 0x7ffff7ff0000
  code_cache: {low: 0x10000000, high: 0x20000000}
  offsets: {hub: 16, pending_exception: 40}
  compressed_oops: {enabled: true, base: 0x800000000, shift: 3}
  foreign_calls: {ic_miss: 0x7ffff0001000}
compiler:
  force_far_polls: true
  registers: [rax, rbx]
  workers: 2
accelerator:
  enabled: true
  library: /opt/lib/libkernelrt.so
`

func TestParseMergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rt := cfg.TargetRuntime()
	if rt.CodeCacheLow != 0x10000000 || rt.CodeCacheHigh != 0x20000000 {
		t.Fatalf("code cache = [%#x, %#x)", rt.CodeCacheLow, rt.CodeCacheHigh)
	}
	if rt.Offsets.Hub != 16 || rt.Offsets.PendingException != 40 {
		t.Fatalf("offsets = %+v", rt.Offsets)
	}
	if rt.Offsets.ArrayLength != target.DefaultRuntime().Offsets.ArrayLength {
		t.Fatalf("unset offset lost its default: %d", rt.Offsets.ArrayLength)
	}
	if !rt.CompressedOops.Enabled || rt.CompressedOops.Base != 0x800000000 {
		t.Fatalf("compressed oops = %+v", rt.CompressedOops)
	}
	if got := cfg.Runtime.ForeignCalls["ic_miss"]; got != 0x7ffff0001000 {
		t.Fatalf("ic_miss = %#x", got)
	}
	if !cfg.Compiler.ForceFarPolls || !cfg.Compiler.ResolveConstants || cfg.Compiler.NearPollBits != 21 {
		t.Fatalf("compiler = %+v", cfg.Compiler)
	}
	if !reflect.DeepEqual(cfg.Compiler.Registers, []string{"rax", "rbx"}) {
		t.Fatalf("registers = %v", cfg.Compiler.Registers)
	}
	if !cfg.Accelerator.Enabled || cfg.Accelerator.DonorThreads != 4 {
		t.Fatalf("accelerator = %+v", cfg.Accelerator)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", "version: latest", "not a semantic version"},
		{"major bump", "version: v2.0.0", "not compatible"},
		{"empty cache", "runtime: {code_cache: {low: 0x1000, high: 0x1000}}", "code cache"},
		{"alignment", "runtime: {code_entry_alignment: 12}", "power of two"},
		{"poll bits", "compiler: {near_poll_bits: 40}", "near_poll_bits"},
		{"workers", "compiler: {workers: 0}", "workers"},
		{"library", "accelerator: {enabled: true, library: ''}", "accelerator.library"},
		{"syntax", "target: [", "yaml"},
		{"unknown key", "compiler: {verify_fingerprints: false}", "verify_fingerprints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse accepted %q", tt.yaml)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	// Read the environment once before it changes.
	Default().ApplyEnv()

	t.Setenv(EnvWorkers, "7")
	t.Setenv(EnvRegisters, "r10, r11,rbx")
	t.Setenv(EnvDeviceLibrary, "/tmp/libdev.so")
	t.Setenv(EnvForceFarPolls, "true")

	cfg, err := Parse([]byte("compiler: {workers: 2}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Compiler.Workers != 7 {
		t.Fatalf("workers = %d, want 7", cfg.Compiler.Workers)
	}
	if want := []string{"r10", "r11", "rbx"}; !reflect.DeepEqual(cfg.Compiler.Registers, want) {
		t.Fatalf("registers = %v, want %v", cfg.Compiler.Registers, want)
	}
	if !cfg.Accelerator.Enabled || cfg.Accelerator.Library != "/tmp/libdev.so" {
		t.Fatalf("accelerator = %+v", cfg.Accelerator)
	}
	if !cfg.Compiler.ForceFarPolls {
		t.Fatalf("compiler = %+v", cfg.Compiler)
	}

	t.Setenv(EnvWorkers, "5")
	cfg, err = Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Compiler.Workers != 5 {
		t.Fatalf("workers after change = %d, want 5", cfg.Compiler.Workers)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jitc.yml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != "v1.4.2" {
		t.Fatalf("version = %s", cfg.Version)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("Load accepted a missing file")
	}
}
