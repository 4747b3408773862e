//go:build linux

package hwtimer

import "golang.org/x/sys/unix"

// monotonicMicros reads CLOCK_MONOTONIC, the clock gpiocdev stamps edge
// events with.
func monotonicMicros() uint32 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return processMicros()
	}
	return uint32(ts.Nano() / 1000)
}
