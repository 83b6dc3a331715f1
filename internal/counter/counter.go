// Package counter implements wrap-safe arithmetic over the concentrator's
// free-running 32-bit microsecond counter.
package counter

import "time"

// MaxWindow is the maximum physically meaningful distance between two
// counter values: half the counter space. Anything past this is treated
// as "behind" rather than "ahead".
const MaxWindow uint32 = 1 << 31

// Sub returns a - b performed modulo 2^32.
func Sub(a, b uint32) uint32 {
	return a - b
}

// Before reports whether a happens before b, i.e. whether the forward
// distance from a to b is within MaxWindow.
func Before(a, b uint32) bool {
	return Sub(b, a) <= MaxWindow
}

// Distance returns the forward distance from a to b, i.e. how far b is
// ahead of a going forward around the wrap. Always in [0, 2^32).
func Distance(a, b uint32) uint32 {
	return Sub(b, a)
}

// Add returns c + d performed modulo 2^32.
func Add(c uint32, d uint32) uint32 {
	return c + d
}

// AddSigned adds a signed offset (which may be negative) to a counter
// value, wrapping as needed.
func AddSigned(c uint32, d int64) uint32 {
	if d >= 0 {
		return c + uint32(d)
	}
	return c - uint32(-d)
}

// Unwrapper extends the 32-bit wrapping microsecond counter into a
// monotonically increasing time.Duration timeline, for consumers (the
// duty-cycle tracker) that need to compare windows spanning more than
// one wrap period. It assumes consecutive Unwrap calls are never more
// than MaxWindow microseconds apart, which holds for any caller driven
// by the same 10 ms-polled loops as the rest of the daemon.
type Unwrapper struct {
	have    bool
	lastRaw uint32
	total   time.Duration
}

// Unwrap folds raw into the running monotonic timeline and returns the
// corresponding offset.
func (u *Unwrapper) Unwrap(raw uint32) time.Duration {
	if !u.have {
		u.have = true
		u.lastRaw = raw
		return u.total
	}
	delta := Distance(u.lastRaw, raw)
	u.total += time.Duration(delta) * time.Microsecond
	u.lastRaw = raw
	return u.total
}
