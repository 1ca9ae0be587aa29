// Command jitc compiles YAML unit files to machine code for the host and,
// for units marked as kernels, to accelerator kernels with host launch
// wrappers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/codegen/internal/backend"
	_ "github.com/tinyrange/codegen/internal/backend/amd64"
	"github.com/tinyrange/codegen/internal/backend/ptx"
	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/compiler"
	"github.com/tinyrange/codegen/internal/config"
	"github.com/tinyrange/codegen/internal/device"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/kernel"
	"github.com/tinyrange/codegen/internal/unitfile"
)

const cacheSize = 4 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Configuration file (default: built-in defaults)")
	outDir := flag.String("o", ".", "Output directory")
	listing := flag.Bool("listing", false, "Print the LIR and code metadata of every unit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	workers := flag.Int("workers", 0, "Concurrent compilations (default: from config)")
	install := flag.Bool("install", false, "Install host code into an in-process code cache")
	asELF := flag.Bool("elf", false, "Write host code as ELF files instead of raw images")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <units.yml>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile unit files for the configured target.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return fmt.Errorf("unit file required")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	} else {
		cfg.ApplyEnv()
	}
	if *workers > 0 {
		cfg.Compiler.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var host, kernels []*ir.Graph
	for _, path := range flag.Args() {
		f, err := unitfile.Load(path)
		if err != nil {
			return err
		}
		units, err := f.Build()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, u := range units {
			if u.Kernel {
				kernels = append(kernels, u.Graph)
			} else {
				host = append(host, u.Graph)
			}
		}
	}
	slog.Info("units loaded", "host", len(host), "kernels", len(kernels))

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	rt := cfg.TargetRuntime()
	var cache *code.Cache
	if *install {
		var err error
		if cache, err = code.NewCache(cacheSize, log); err != nil {
			return err
		}
		defer cache.Release()
		rt.CodeCacheLow, rt.CodeCacheHigh = cache.Bounds()
	}

	tgt, err := backend.New(cfg.Target.Arch, backend.Config{
		Runtime:          rt,
		ForeignAddresses: cfg.Runtime.ForeignCalls,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	hostCompiler, err := compiler.New(compiler.Options{
		Target:           tgt,
		ResolveConstants: cfg.Compiler.ResolveConstants,
		ForceFarPolls:    cfg.Compiler.ForceFarPolls,
		NearPollBits:     cfg.Compiler.NearPollBits,
		Registers:        cfg.Compiler.Registers,
		Workers:          cfg.Compiler.Workers,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	out := &writer{dir: *outDir, elf: *asELF, listing: *listing, width: terminalWidth()}

	results, err := compileWithProgress(hostCompiler, host)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := out.unit(r.LIR.Method, r.Artifact, r.LIR); err != nil {
			return err
		}
		if cache != nil {
			if err := installUnit(cache, tgt, r.Artifact); err != nil {
				slog.Warn("install failed", "unit", r.Artifact.Name, "error", err)
			}
		}
	}

	if len(kernels) > 0 {
		if err := compileKernels(cfg, log, hostCompiler, kernels, out); err != nil {
			return err
		}
	}
	return nil
}

func compileWithProgress(c *compiler.Compiler, graphs []*ir.Graph) ([]*compiler.Result, error) {
	if len(graphs) == 0 {
		return nil, nil
	}
	var done func(*compiler.Result)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.NewOptions(len(graphs),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		done = func(*compiler.Result) { _ = bar.Add(1) }
	}
	return c.CompileAll(context.Background(), graphs, done)
}

func installUnit(cache *code.Cache, tgt *backend.Target, a *code.Artifact) error {
	r := code.Resolver{}
	if tgt.Foreign != nil {
		r.Symbol = tgt.Foreign.Resolve
	}
	in, err := cache.Install(a, r)
	if err != nil {
		return err
	}
	if found, ok := cache.Lookup(in.Start + uintptr(a.Entry())); !ok || found != in {
		return fmt.Errorf("code: %s is not indexed at its entry", a.Name)
	}
	slog.Info("unit installed", "unit", a.Name, "start", fmt.Sprintf("%#x", in.Start), "size", in.End-in.Start)
	return nil
}

// compileKernels compiles kernel units for the device. With a working
// device each kernel is installed behind a host wrapper; without one only
// the kernel text is written.
func compileKernels(cfg *config.Config, log *slog.Logger, host *compiler.Compiler, graphs []*ir.Graph, out *writer) error {
	dev, err := backend.New(ptx.Name, backend.Config{Runtime: cfg.TargetRuntime(), Logger: log})
	if err != nil {
		return err
	}
	kc, err := compiler.New(compiler.Options{Target: dev, Logger: log})
	if err != nil {
		return err
	}

	var d kernel.Device
	if cfg.Accelerator.Enabled {
		lib, err := device.Open(cfg.Accelerator.Library)
		if err != nil {
			slog.Warn("accelerator library unavailable", "library", cfg.Accelerator.Library, "error", err)
		} else {
			defer lib.Close()
			d = lib
		}
	}
	acc := kernel.NewAccelerator(kernel.Config{
		Device:  d,
		Kernels: kc,
		Host:    host,
		Wrapper: kernel.WrapperConfig{Runtime: host.Target().Runtime},
		Logger:  log,
	})
	defer acc.Registry().Close()

	for _, g := range graphs {
		if !acc.DeviceInitialized() {
			k, err := acc.CompileKernel(g, false)
			if err != nil {
				return err
			}
			if err := out.kernel(g.Method, k.Artifact); err != nil {
				return err
			}
			continue
		}
		h, err := acc.CompileAndInstall(g)
		if err != nil {
			return err
		}
		if err := out.kernel(g.Method, h.Kernel); err != nil {
			return err
		}
		if err := out.wrapper(g.Method, h.Wrapper); err != nil {
			return err
		}
	}
	return nil
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func outputPath(dir, name, ext string) string {
	return filepath.Join(dir, name+ext)
}
