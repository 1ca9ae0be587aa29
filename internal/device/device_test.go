package device

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenMissingLibrary(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "libmissing.so"))
	if err == nil {
		t.Fatalf("Open succeeded for a missing library")
	}
}

func fakeLibrary(ok bool, entry uintptr) *Library {
	return &Library{
		path:                "fake",
		initialize:          func() bool { return ok },
		generateKernel:      func(*byte, int64, string) uintptr { return entry },
		availableProcessors: func() int32 { return 8 },
	}
}

func TestLibraryLifecycle(t *testing.T) {
	l := fakeLibrary(true, 0x4000)
	if got := l.AvailableProcessors(); got != 0 {
		t.Fatalf("processors before init = %d, want 0", got)
	}
	if _, err := l.GenerateKernel([]byte("k"), "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("GenerateKernel before init: err = %v, want ErrNotInitialized", err)
	}
	if err := l.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := l.AvailableProcessors(); got != 8 {
		t.Fatalf("processors = %d, want 8", got)
	}
	entry, err := l.GenerateKernel([]byte(".entry k"), "k")
	if err != nil {
		t.Fatalf("GenerateKernel: %v", err)
	}
	if entry != 0x4000 {
		t.Fatalf("entry = %#x, want 0x4000", entry)
	}
}

func TestLibraryFailures(t *testing.T) {
	if err := fakeLibrary(false, 0).Initialize(); err == nil {
		t.Fatalf("Initialize succeeded on a failing device")
	}
	l := fakeLibrary(true, 0)
	if err := l.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := l.GenerateKernel([]byte("bad"), "bad"); err == nil {
		t.Fatalf("GenerateKernel accepted a zero entry point")
	}
	if _, err := l.GenerateKernel(nil, "empty"); err == nil {
		t.Fatalf("GenerateKernel accepted empty text")
	}
}
