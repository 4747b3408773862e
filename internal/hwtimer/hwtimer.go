// Package hwtimer abstracts a free-running microsecond counter with one
// output-compare channel.
// The real implementation runs on the host's monotonic clock.
// The fake implementation is stepped by tests.
package hwtimer

// Timer is a microsecond counter with a single compare channel.
//
// Now returns the full 32-bit microsecond clock. The compare register only
// holds the low Bits bits of it, so a compare can be at most 2^Bits-1 µs
// ahead of Now.
type Timer interface {
	Now() uint32
	Bits() uint

	// SetCompare arms the channel to call the handler once when the
	// counter next matches at. Re-arming replaces the previous compare.
	SetCompare(at uint32)
	// ClearCompare disarms the channel.
	ClearCompare()
	// SetHandler installs the compare interrupt handler.
	SetHandler(fn func())
}

// Mask returns the largest compare distance for a counter of the given width.
func Mask(bits uint) uint32 {
	if bits >= 32 {
		return ^uint32(0)
	}
	return 1<<bits - 1
}
