// Package config loads the compiler configuration: the target, the runtime
// contract generated code is installed into, compiler switches and the
// accelerator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/xyproto/env/v2"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/codegen/internal/target"
)

// SchemaVersion is written by Default. Files must share its major version.
const SchemaVersion = "v1.2.0"

// Environment overrides, applied after the file is read.
const (
	EnvWorkers       = "JITC_WORKERS"
	EnvRegisters     = "JITC_REGISTERS"
	EnvDeviceLibrary = "JITC_DEVICE_LIBRARY"
	EnvForceFarPolls = "JITC_FORCE_FAR_POLLS"
)

const maxConfigSize = 1 << 20

type Config struct {
	Version     string      `yaml:"version"`
	Target      Target      `yaml:"target"`
	Runtime     Runtime     `yaml:"runtime"`
	Compiler    Compiler    `yaml:"compiler"`
	Accelerator Accelerator `yaml:"accelerator"`
}

type Target struct {
	Arch string `yaml:"arch"`
}

type CodeCache struct {
	Low  uint64 `yaml:"low"`
	High uint64 `yaml:"high"`
}

type Offsets struct {
	Hub                  int32 `yaml:"hub"`
	ArrayLength          int32 `yaml:"array_length"`
	PendingException     int32 `yaml:"pending_exception"`
	LastManagedSP        int32 `yaml:"last_managed_sp"`
	LastManagedFP        int32 `yaml:"last_managed_fp"`
	LastManagedPC        int32 `yaml:"last_managed_pc"`
	IsMethodHandleReturn int32 `yaml:"is_method_handle_return"`
}

type CompressedOops struct {
	Enabled bool   `yaml:"enabled"`
	Base    uint64 `yaml:"base"`
	Shift   uint8  `yaml:"shift"`
}

type Runtime struct {
	PollingAddress     uint64            `yaml:"polling_address"`
	CodeCache          CodeCache         `yaml:"code_cache"`
	NonOopBits         uint64            `yaml:"non_oop_bits"`
	Offsets            Offsets           `yaml:"offsets"`
	CompressedOops     CompressedOops    `yaml:"compressed_oops"`
	CodeEntryAlignment int               `yaml:"code_entry_alignment"`
	StackBangSize      int               `yaml:"stack_bang_size"`
	ForeignCalls       map[string]uint64 `yaml:"foreign_calls"`
}

type Compiler struct {
	ResolveConstants bool `yaml:"resolve_constants"`
	ForceFarPolls    bool `yaml:"force_far_polls"`
	NearPollBits     int  `yaml:"near_poll_bits"`
	// Registers restricts allocation to the named registers. Empty means
	// every allocatable register.
	Registers []string `yaml:"registers"`
	Workers   int      `yaml:"workers"`
}

type Accelerator struct {
	Enabled bool   `yaml:"enabled"`
	Library string `yaml:"library"`
	// DonorThreads is how many host threads the device runtime may borrow.
	DonorThreads int `yaml:"donor_threads"`
}

// Default returns a configuration that compiles for amd64 against
// target.DefaultRuntime with the accelerator disabled.
func Default() *Config {
	rt := target.DefaultRuntime()
	return &Config{
		Version: SchemaVersion,
		Target:  Target{Arch: "amd64"},
		Runtime: Runtime{
			PollingAddress: rt.PollingAddress,
			CodeCache:      CodeCache{Low: rt.CodeCacheLow, High: rt.CodeCacheHigh},
			NonOopBits:     rt.NonOopBits,
			Offsets: Offsets{
				Hub:                  rt.Offsets.Hub,
				ArrayLength:          rt.Offsets.ArrayLength,
				PendingException:     rt.Offsets.PendingException,
				LastManagedSP:        rt.Offsets.LastManagedSP,
				LastManagedFP:        rt.Offsets.LastManagedFP,
				LastManagedPC:        rt.Offsets.LastManagedPC,
				IsMethodHandleReturn: rt.Offsets.IsMethodHandleReturn,
			},
			CompressedOops: CompressedOops{
				Enabled: rt.CompressedOops.Enabled,
				Base:    rt.CompressedOops.Base,
				Shift:   rt.CompressedOops.Shift,
			},
			CodeEntryAlignment: rt.CodeEntryAlignment,
			StackBangSize:      rt.StackBangSize,
		},
		Compiler: Compiler{
			ResolveConstants: true,
			NearPollBits:     21,
			Workers:          runtime.NumCPU(),
		},
		Accelerator: Accelerator{
			Library:      "libkernelrt.so",
			DonorThreads: 4,
		},
	}
}

// Load reads the file at path over Default, applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config: %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the JITC_* environment variables that are
// set. The environment is read afresh on every call.
func (c *Config) ApplyEnv() {
	env.Load()
	if env.Has(EnvWorkers) {
		c.Compiler.Workers = env.Int(EnvWorkers, c.Compiler.Workers)
	}
	if env.Has(EnvRegisters) {
		c.Compiler.Registers = splitList(env.Str(EnvRegisters))
	}
	if env.Has(EnvDeviceLibrary) {
		c.Accelerator.Library = env.Str(EnvDeviceLibrary)
		c.Accelerator.Enabled = c.Accelerator.Library != ""
	}
	if env.Has(EnvForceFarPolls) {
		c.Compiler.ForceFarPolls = env.Bool(EnvForceFarPolls)
	}
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

// Validate reports every inconsistency it finds.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case !semver.IsValid(c.Version):
		errs = append(errs, fmt.Errorf("version %q is not a semantic version", c.Version))
	case semver.Major(c.Version) != semver.Major(SchemaVersion):
		errs = append(errs, fmt.Errorf("version %s is not compatible with %s", c.Version, SchemaVersion))
	}
	if c.Target.Arch == "" {
		errs = append(errs, errors.New("target.arch must be set"))
	}
	rt := c.Runtime
	if rt.CodeCache.Low >= rt.CodeCache.High {
		errs = append(errs, fmt.Errorf("code cache [%#x, %#x) is empty", rt.CodeCache.Low, rt.CodeCache.High))
	}
	if a := rt.CodeEntryAlignment; a <= 0 || a&(a-1) != 0 {
		errs = append(errs, fmt.Errorf("code_entry_alignment %d is not a power of two", a))
	}
	if rt.StackBangSize < 0 {
		errs = append(errs, fmt.Errorf("stack_bang_size %d is negative", rt.StackBangSize))
	}
	if rt.CompressedOops.Shift > 4 {
		errs = append(errs, fmt.Errorf("compressed_oops.shift %d is out of range", rt.CompressedOops.Shift))
	}
	if b := c.Compiler.NearPollBits; b < 1 || b > 32 {
		errs = append(errs, fmt.Errorf("near_poll_bits %d is out of range", b))
	}
	if c.Compiler.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Compiler.Workers))
	}
	if c.Accelerator.Enabled && c.Accelerator.Library == "" {
		errs = append(errs, errors.New("accelerator.library must be set when the accelerator is enabled"))
	}
	if c.Accelerator.DonorThreads < 0 {
		errs = append(errs, fmt.Errorf("donor_threads %d is negative", c.Accelerator.DonorThreads))
	}
	return errors.Join(errs...)
}

// TargetRuntime converts the runtime section for the code generators.
func (c *Config) TargetRuntime() target.Runtime {
	rt := c.Runtime
	o := rt.Offsets
	return target.Runtime{
		PollingAddress: rt.PollingAddress,
		CodeCacheLow:   rt.CodeCache.Low,
		CodeCacheHigh:  rt.CodeCache.High,
		NonOopBits:     rt.NonOopBits,
		Offsets: target.Offsets{
			Hub:                  o.Hub,
			ArrayLength:          o.ArrayLength,
			PendingException:     o.PendingException,
			LastManagedSP:        o.LastManagedSP,
			LastManagedFP:        o.LastManagedFP,
			LastManagedPC:        o.LastManagedPC,
			IsMethodHandleReturn: o.IsMethodHandleReturn,
		},
		CompressedOops: target.CompressedOops{
			Enabled: rt.CompressedOops.Enabled,
			Base:    rt.CompressedOops.Base,
			Shift:   rt.CompressedOops.Shift,
		},
		CodeEntryAlignment: rt.CodeEntryAlignment,
		StackBangSize:      rt.StackBangSize,
	}
}
