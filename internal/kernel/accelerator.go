package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/meta"
)

// ErrDeviceUnavailable is returned when a binary is requested but the
// device never initialized.
var ErrDeviceUnavailable = errors.New("kernel: accelerator device is not available")

// Device is the accelerator runtime.
type Device interface {
	Initialize() error
	GenerateKernel(text []byte, name string) (uintptr, error)
	AvailableProcessors() int
}

// GraphCompiler compiles one IR graph to an artifact.
type GraphCompiler interface {
	CompileGraph(g *ir.Graph) (*code.Artifact, error)
}

type Config struct {
	// Device may be nil, which leaves kernel support disabled.
	Device Device
	// Kernels compiles graphs for the device, Host compiles wrappers.
	Kernels GraphCompiler
	Host    GraphCompiler
	Wrapper WrapperConfig
	// Registry defaults to a fresh one.
	Registry *Registry
	Logger   *slog.Logger
}

// Kernel is a method compiled for the device.
type Kernel struct {
	Method   *meta.Method
	Artifact *code.Artifact
	// Entry is zero until the device compiler produced a binary.
	Entry uintptr
}

// Accelerator owns the device and the kernels installed on it. The
// device is detected once in NewAccelerator; later calls only consult the
// cached result.
type Accelerator struct {
	cfg         Config
	registry    *Registry
	log         *slog.Logger
	initialized bool
}

func NewAccelerator(cfg Config) *Accelerator {
	a := &Accelerator{cfg: cfg, registry: cfg.Registry, log: cfg.Logger}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if cfg.Device == nil {
		a.log.Info("accelerator disabled", "reason", "no device")
		return a
	}
	if err := cfg.Device.Initialize(); err != nil {
		a.log.Warn("accelerator disabled", "error", err)
		return a
	}
	a.initialized = true
	a.log.Info("accelerator ready", "processors", cfg.Device.AvailableProcessors())
	return a
}

func (a *Accelerator) DeviceInitialized() bool { return a.initialized }

// AvailableProcessors is zero when the device is unavailable.
func (a *Accelerator) AvailableProcessors() int {
	if !a.initialized {
		return 0
	}
	return a.cfg.Device.AvailableProcessors()
}

func (a *Accelerator) Registry() *Registry { return a.registry }

// CompileKernel compiles g for the device. With makeBinary set the text is
// also handed to the device compiler and the kernel gets a non-zero entry
// point, which needs an initialized device.
func (a *Accelerator) CompileKernel(g *ir.Graph, makeBinary bool) (k *Kernel, err error) {
	defer fault.Recover(&err)
	if makeBinary && !a.initialized {
		return nil, ErrDeviceUnavailable
	}
	art, err := a.cfg.Kernels.CompileGraph(g)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile %s: %w", g.Method, err)
	}
	k = &Kernel{Method: g.Method, Artifact: art}
	if !makeBinary {
		return k, nil
	}
	k.Entry, err = a.cfg.Device.GenerateKernel(art.Code, art.Name)
	if err != nil {
		return nil, fmt.Errorf("kernel: generate %s: %w", g.Method, err)
	}
	if k.Entry == 0 {
		return nil, fmt.Errorf("kernel: device returned no entry point for %s", g.Method)
	}
	a.log.Debug("kernel binary generated", "unit", art.Name, "entry", fmt.Sprintf("%#x", k.Entry))
	return k, nil
}

// InstallKernel compiles the host wrapper for k and registers the pair.
// The registry lock is only taken after the wrapper is compiled.
func (a *Accelerator) InstallKernel(k *Kernel) (h *Handle, err error) {
	defer fault.Recover(&err)
	if k.Entry == 0 {
		return nil, fmt.Errorf("kernel: %s has no binary to install", k.Method)
	}
	g, err := BuildWrapper(k.Method, k.Entry, a.cfg.Wrapper)
	if err != nil {
		return nil, err
	}
	wrapper, err := a.cfg.Host.CompileGraph(g)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile wrapper for %s: %w", k.Method, err)
	}
	h = &Handle{ID: uuid.New(), Method: k.Method, Entry: k.Entry, Kernel: k.Artifact, Wrapper: wrapper}
	pruned := a.registry.Add(h)
	a.log.Info("kernel installed",
		"unit", k.Method.String(),
		"handle", h.ID.String(),
		"wrapper_size", len(wrapper.Code),
		"pruned", pruned,
	)
	return h, nil
}

// CompileAndInstall is CompileKernel with a binary followed by
// InstallKernel.
func (a *Accelerator) CompileAndInstall(g *ir.Graph) (*Handle, error) {
	k, err := a.CompileKernel(g, true)
	if err != nil {
		return nil, err
	}
	return a.InstallKernel(k)
}
