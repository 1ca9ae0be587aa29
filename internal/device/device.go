// Package device binds the accelerator runtime library. The library is
// loaded at run time so hosts without a device still build and run; they
// just never get past Open.
package device

import (
	"errors"
	"fmt"
	"sync"
)

// Symbols the runtime library must export.
const (
	symInitialize          = "initialize"
	symGenerateKernel      = "generate_kernel"
	symAvailableProcessors = "available_processors"
)

var (
	// ErrUnsupported is returned by Open on platforms without dynamic
	// loading.
	ErrUnsupported = errors.New("device: dynamic loading is not supported on this platform")
	// ErrNotInitialized is returned when the device is used before a
	// successful Initialize.
	ErrNotInitialized = errors.New("device: not initialized")
)

// Library is a loaded accelerator runtime.
type Library struct {
	path   string
	handle uintptr

	mu          sync.Mutex
	initialized bool

	initialize          func() bool
	generateKernel      func(text *byte, size int64, name string) uintptr
	availableProcessors func() int32
}

// Path is the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// Initialize brings the device up. It is safe to call more than once.
func (l *Library) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	if !l.initialize() {
		return fmt.Errorf("device: %s failed to initialize", l.path)
	}
	l.initialized = true
	return nil
}

// GenerateKernel hands kernel text to the device compiler and returns the
// entry point of the resulting binary.
func (l *Library) GenerateKernel(text []byte, name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return 0, ErrNotInitialized
	}
	if len(text) == 0 {
		return 0, fmt.Errorf("device: empty kernel %s", name)
	}
	entry := l.generateKernel(&text[0], int64(len(text)), name)
	if entry == 0 {
		return 0, fmt.Errorf("device: failed to compile kernel %s", name)
	}
	return entry, nil
}

// AvailableProcessors is the device's compute unit count, or zero before
// initialization.
func (l *Library) AvailableProcessors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return 0
	}
	return int(l.availableProcessors())
}
