package hwtimer

import (
	"sync"
	"time"
)

// Real drives the compare channel from the host's monotonic clock. Now
// shares its epoch with GPIO edge timestamps on Linux.
type Real struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	handler func()
}

// NewReal returns a disarmed timer.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) Now() uint32 { return monotonicMicros() }

func (r *Real) Bits() uint { return 32 }

func (r *Real) SetCompare(at uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := time.Duration(int32(at-r.Now())) * time.Microsecond
	if d < 0 {
		d = 0
	}
	r.stopLocked()
	gen := r.gen
	r.timer = time.AfterFunc(d, func() { r.fire(gen) })
}

func (r *Real) ClearCompare() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Real) SetHandler(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
}

// stopLocked cancels the pending compare. The generation bump discards a
// callback that already started.
func (r *Real) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *Real) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.handler == nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	h := r.handler
	r.mu.Unlock()

	h()
}
