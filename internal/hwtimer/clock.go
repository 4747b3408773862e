package hwtimer

import "time"

var epoch = time.Now()

// processMicros counts from package initialisation.
func processMicros() uint32 {
	return uint32(time.Since(epoch).Microseconds())
}
