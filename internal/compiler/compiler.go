// Package compiler runs one unit through the backend pipeline: constant
// resolution, LIR generation, register allocation and emission.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/codegen/internal/backend"
	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/constres"
	"github.com/tinyrange/codegen/internal/fault"
	"github.com/tinyrange/codegen/internal/ir"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/lirgen"
	"github.com/tinyrange/codegen/internal/regalloc"
	"github.com/tinyrange/codegen/internal/target"
)

type Options struct {
	Target *backend.Target

	// ResolveConstants enables the constant resolution pass. Targets that
	// cannot call the runtime never run it.
	ResolveConstants bool
	ForceFarPolls    bool
	NearPollBits     int
	// Registers restricts allocation. Empty means every allocatable
	// register.
	Registers []string
	Workers   int
	Logger    *slog.Logger
}

// Compiler is safe for concurrent use; every unit gets its own pipeline
// state.
type Compiler struct {
	opts  Options
	alloc *target.AllocationConfig
	log   *slog.Logger
}

// Result is one compiled unit.
type Result struct {
	ID       uuid.UUID
	Artifact *code.Artifact
	LIR      *lir.LIR
	Constant constres.Stats
	// Allocation is nil for targets with virtual registers.
	Allocation *regalloc.Result
	Elapsed    time.Duration
}

func New(opts Options) (*Compiler, error) {
	if opts.Target == nil {
		return nil, fmt.Errorf("compiler: no target")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	c := &Compiler{opts: opts, log: opts.Logger}
	if c.log == nil {
		c.log = slog.Default()
	}
	if opts.Target.VirtualRegisters {
		if len(opts.Registers) > 0 {
			return nil, fmt.Errorf("compiler: %s does not allocate registers", opts.Target.Name)
		}
		return c, nil
	}
	alloc, err := target.NewAllocationConfig(opts.Target.Registers, opts.Registers)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	c.alloc = alloc
	return c, nil
}

func (c *Compiler) Target() *backend.Target { return c.opts.Target }

// CompileUnit compiles g. Fatal errors raised anywhere in the pipeline come
// back as errors for which fault.IsFatal holds, with no result.
func (c *Compiler) CompileUnit(ctx context.Context, g *ir.Graph) (_ *Result, err error) {
	defer fault.Recover(&err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	r := &Result{}
	unit := g.Method.String()
	t := c.opts.Target

	if err := g.Verify(); err != nil {
		return nil, fmt.Errorf("compiler: %s: %w", unit, err)
	}
	if c.opts.ResolveConstants && t.Foreign != nil {
		r.Constant = constres.Run(g, constres.Options{Logger: c.log})
	}

	r.LIR, err = lirgen.Generate(g, lirgen.Options{
		Registers:     t.Registers,
		Foreign:       t.Foreign,
		Runtime:       t.Runtime,
		ForceFarPolls: c.opts.ForceFarPolls,
		NearPollBits:  c.opts.NearPollBits,
		Logger:        c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: %s: %w", unit, err)
	}
	c.log.Debug("lir generated", "unit", unit, "blocks", len(r.LIR.Blocks), "variables", len(r.LIR.Variables))

	if c.alloc != nil {
		r.Allocation, err = regalloc.Allocate(r.LIR, c.alloc, regalloc.Options{Logger: c.log})
		if err != nil {
			return nil, fmt.Errorf("compiler: %s: %w", unit, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.Artifact, err = t.Emitter.Emit(r.LIR)
	if err != nil {
		return nil, fmt.Errorf("compiler: %s: %w", unit, err)
	}
	r.ID = r.Artifact.ID
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
		r.Artifact.ID = r.ID
	}
	r.Elapsed = time.Since(start)

	c.log.Info("unit compiled",
		"unit", unit,
		"target", t.Name,
		"compile_id", r.ID.String(),
		"code_size", len(r.Artifact.Code),
		"frame_size", r.Artifact.FrameSize,
		"elapsed", r.Elapsed,
	)
	return r, nil
}

// CompileGraph compiles g and returns only the artifact.
func (c *Compiler) CompileGraph(g *ir.Graph) (*code.Artifact, error) {
	r, err := c.CompileUnit(context.Background(), g)
	if err != nil {
		return nil, err
	}
	return r.Artifact, nil
}

// CompileAll compiles graphs on up to Workers goroutines. Results keep the
// order of graphs. The first failure cancels units not yet started. done,
// if set, is called once per finished unit from the worker goroutines.
func (c *Compiler) CompileAll(ctx context.Context, graphs []*ir.Graph, done func(*Result)) ([]*Result, error) {
	results := make([]*Result, len(graphs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.opts.Workers)
	for i, g := range graphs {
		eg.Go(func() error {
			r, err := c.CompileUnit(ctx, g)
			if err != nil {
				return err
			}
			results[i] = r
			if done != nil {
				done(r)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
