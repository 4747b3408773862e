// Package toothlog captures recent tooth-to-tooth intervals for diagnostics.
//
// Capture is double buffered. The edge handler appends into the active
// buffer; once it fills, the buffer is handed to the reader and the ready
// flag is raised. Capture carries on into the second buffer, overwriting its
// oldest entries if the reader is slow. The reader takes the full buffer with
// Drain, which clears the flag, so it never observes a half-written log.
package toothlog

import (
	"github.com/sweeney/ecucore/internal/irq"
	"github.com/sweeney/ecucore/internal/ring"
)

// DefaultSize matches the capture depth reported to tuning software.
const DefaultSize = 128

// Log is safe for one appender and one reader running concurrently.
type Log struct {
	cs      irq.Section
	bufs    [2]*ring.Buffer[uint32]
	active  int  // index of the buffer being written
	ready   bool // bufs[1-active] is full and waiting for Drain
	enabled bool
	dropped uint32 // entries overwritten while a full log waited for the reader
}

// New returns a disabled log holding size intervals per capture.
func New(size int) *Log {
	if size <= 0 {
		size = DefaultSize
	}
	return &Log{
		bufs: [2]*ring.Buffer[uint32]{ring.New[uint32](size), ring.New[uint32](size)},
	}
}

// SetEnabled starts or stops capture. Stopping discards partial captures.
func (l *Log) SetEnabled(on bool) {
	defer l.cs.Enter().Exit()
	if l.enabled == on {
		return
	}
	l.enabled = on
	if !on {
		l.bufs[0].Reset()
		l.bufs[1].Reset()
		l.ready = false
		l.active = 0
	}
}

// Enabled reports whether capture is on.
func (l *Log) Enabled() bool {
	defer l.cs.Enter().Exit()
	return l.enabled
}

// Add records one interval. Called from the primary edge handler.
func (l *Log) Add(gap uint32) {
	defer l.cs.Enter().Exit()
	if !l.enabled {
		return
	}

	buf := l.bufs[l.active]
	if buf.Push(gap) {
		l.dropped++
	}
	if buf.Full() && !l.ready {
		l.ready = true
		l.active = 1 - l.active
	}
}

// Ready reports whether a full capture is waiting to be drained.
func (l *Log) Ready() bool {
	defer l.cs.Enter().Exit()
	return l.ready
}

// Drain returns the completed capture oldest-first and clears the ready
// flag. It returns false if no capture is ready.
func (l *Log) Drain() ([]uint32, bool) {
	defer l.cs.Enter().Exit()
	if !l.ready {
		return nil, false
	}

	full := l.bufs[1-l.active].DrainAll()
	l.ready = false

	// The active buffer may have filled while we were waiting.
	if l.bufs[l.active].Full() {
		l.ready = true
		l.active = 1 - l.active
	}
	return full, true
}

// Dropped returns how many entries were overwritten because the reader
// had not yet drained a full capture.
func (l *Log) Dropped() uint32 {
	defer l.cs.Enter().Exit()
	return l.dropped
}
