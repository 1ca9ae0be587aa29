package main

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/codegen/internal/backend/ptx"
	"github.com/tinyrange/codegen/internal/code"
	"github.com/tinyrange/codegen/internal/lir"
	"github.com/tinyrange/codegen/internal/meta"
)

// writer places compiled units in the output directory and prints
// listings.
type writer struct {
	dir     string
	elf     bool
	listing bool
	// width truncates listing lines; zero leaves them alone.
	width int
}

func (w *writer) unit(m *meta.Method, a *code.Artifact, res *lir.LIR) error {
	name := ptx.EntryName(m)
	if err := w.image(name, ".bin", a); err != nil {
		return err
	}
	if !w.listing {
		return nil
	}
	var buf bytes.Buffer
	if err := res.Format(&buf); err != nil {
		return err
	}
	describe(&buf, a)
	return w.print(buf.Bytes())
}

func (w *writer) wrapper(m *meta.Method, a *code.Artifact) error {
	name := ptx.EntryName(m)
	if err := w.image(name, ".wrapper.bin", a); err != nil {
		return err
	}
	if !w.listing {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "wrapper %s\n", m)
	describe(&buf, a)
	return w.print(buf.Bytes())
}

// kernel writes device text as is.
func (w *writer) kernel(m *meta.Method, a *code.Artifact) error {
	path := outputPath(w.dir, ptx.EntryName(m), ".ptx")
	if err := os.WriteFile(path, a.Code, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("kernel written", "unit", m.String(), "path", path, "size", len(a.Code))
	if w.listing {
		return w.print(a.Code)
	}
	return nil
}

func (w *writer) image(name, ext string, a *code.Artifact) error {
	data := a.Image()
	if w.elf {
		var err error
		if data, err = a.ELF(code.DefaultELFConfig()); err != nil {
			return err
		}
		ext = ".elf"
	}
	path := outputPath(w.dir, name, ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Debug("image written", "unit", a.Name, "path", path, "size", len(data))
	return nil
}

func (w *writer) print(text []byte) error {
	out := bufio.NewWriter(os.Stdout)
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		if w.width > 0 {
			line = ansi.Truncate(line, w.width, "…")
		}
		fmt.Fprintln(out, line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return out.Flush()
}

func describe(buf *bytes.Buffer, a *code.Artifact) {
	fmt.Fprintf(buf, "code %s: %d bytes text, %d bytes data, frame %d\n", a.ID, len(a.Code), len(a.Data), a.FrameSize)
	for _, m := range a.Marks {
		fmt.Fprintf(buf, "  mark %#06x %s\n", m.Offset, m.Kind)
	}
	for _, c := range a.CallSites {
		fmt.Fprintf(buf, "  call %#06x %s %s\n", c.Offset, c.Kind, c.Target)
	}
	for _, p := range a.PollSites {
		fmt.Fprintf(buf, "  poll %#06x far=%t return=%t\n", p.Offset, p.Far, p.Return)
	}
	for _, d := range a.DataPatches {
		fmt.Fprintf(buf, "  data %#06x %s\n", d.Offset, d.Constant)
	}
	for _, j := range a.JumpTables {
		fmt.Fprintf(buf, "  table %#06x low=%d entries=%d\n", j.Offset, j.Low, j.Entries)
	}
}
