package lirgen

// DefaultNearPollBits is the signed displacement width a near poll must
// provably fit in.
const DefaultNearPollBits = 21

// Bounds are the lowest and highest addresses of the code cache.
type Bounds struct {
	Low, High uint64
}

func isSignedNbit(n int, v int64) bool {
	if n >= 64 {
		return true
	}
	if n <= 0 {
		return false
	}
	min := -(int64(1) << (n - 1))
	max := int64(1)<<(n-1) - 1
	return v >= min && v <= max
}

// IsPollFar reports whether safepoint polls must load the polling address
// into a register. Unless force is set, a poll is near only when the
// polling address is within a bits-wide signed displacement of both ends
// of the code cache. The bounds are read once; the decision is never
// revisited.
func IsPollFar(b Bounds, pollAddr uint64, bits int, force bool) bool {
	if force {
		return true
	}
	return !isSignedNbit(bits, int64(pollAddr-b.Low)) || !isSignedNbit(bits, int64(pollAddr-b.High))
}
