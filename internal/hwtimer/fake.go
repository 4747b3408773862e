package hwtimer

import "sync"

// Fake is a stepped counter for tests. The handler runs synchronously from
// Advance, outside the fake's lock, so it may call back into the timer.
type Fake struct {
	mu      sync.Mutex
	now     uint32
	bits    uint
	compare uint32
	armed   bool
	handler func()
	fires   int
}

// NewFake returns a counter of the given width starting at 0.
func NewFake(bits uint) *Fake {
	if bits == 0 || bits > 32 {
		bits = 32
	}
	return &Fake{bits: bits}
}

func (f *Fake) Now() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Bits() uint { return f.bits }

func (f *Fake) SetCompare(at uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compare = at & Mask(f.bits)
	f.armed = true
}

func (f *Fake) ClearCompare() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
}

func (f *Fake) SetHandler(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

// Set moves the counter to now without firing anything.
func (f *Fake) Set(now uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Armed reports whether a compare is pending and where.
func (f *Fake) Armed() (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compare, f.armed
}

// Fires returns how many times the handler has run.
func (f *Fake) Fires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fires
}

// Advance steps the counter by d µs, stopping at each compare match to run
// the handler. A compare equal to the current count matches on the next
// counter wrap, as on hardware.
func (f *Fake) Advance(d uint32) {
	remaining := uint64(d)
	for {
		f.mu.Lock()
		if !f.armed || f.handler == nil {
			f.now += uint32(remaining)
			f.mu.Unlock()
			return
		}

		mask := uint64(Mask(f.bits))
		dist := uint64(f.compare-f.now) & mask
		if dist == 0 {
			dist = mask + 1
		}
		if dist > remaining {
			f.now += uint32(remaining)
			f.mu.Unlock()
			return
		}

		f.now += uint32(dist)
		remaining -= dist
		f.armed = false
		f.fires++
		h := f.handler
		f.mu.Unlock()

		h()
	}
}
