//go:build !(darwin || linux || freebsd)

package device

func Open(path string) (*Library, error) {
	return nil, ErrUnsupported
}

func (l *Library) Close() error { return nil }
