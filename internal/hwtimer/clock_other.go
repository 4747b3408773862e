//go:build !linux

package hwtimer

func monotonicMicros() uint32 {
	return processMicros()
}
