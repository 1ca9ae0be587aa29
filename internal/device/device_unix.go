//go:build darwin || linux || freebsd

package device

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Open loads the runtime library at path and binds its entry points.
func Open(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("device: load %s: %w", path, err)
	}
	for _, sym := range []string{symInitialize, symGenerateKernel, symAvailableProcessors} {
		if _, err := purego.Dlsym(handle, sym); err != nil {
			_ = purego.Dlclose(handle)
			return nil, fmt.Errorf("device: %s does not export %s: %w", path, sym, err)
		}
	}
	l := &Library{path: path, handle: handle}
	purego.RegisterLibFunc(&l.initialize, handle, symInitialize)
	purego.RegisterLibFunc(&l.generateKernel, handle, symGenerateKernel)
	purego.RegisterLibFunc(&l.availableProcessors, handle, symAvailableProcessors)
	return l, nil
}

// Close unloads the library. The library must not be used afterwards.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	l.initialized = false
	return err
}
