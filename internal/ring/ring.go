// Package ring provides a fixed-capacity FIFO that overwrites its oldest
// entry when full.
package ring

// Buffer is a fixed-capacity FIFO. Pushing into a full buffer drops the
// oldest entry.
// Not safe for concurrent use; the caller must synchronize.
type Buffer[T any] struct {
	buf      []T
	head     int // next write position
	count    int
	overflow bool // true if any entry was dropped since last drain
}

// New returns an empty buffer holding at most capacity entries.
// A capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v. It reports whether the oldest entry was overwritten.
func (r *Buffer[T]) Push(v T) bool {
	capacity := len(r.buf)
	if r.count == capacity {
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = v
		r.head = (r.head + 1) % capacity
		r.overflow = true
		return true
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % capacity
	r.count++
	return false
}

// DrainAll returns every entry oldest-first and empties the buffer.
// Returns nil when empty.
func (r *Buffer[T]) DrainAll() []T {
	if r.count == 0 {
		return nil
	}

	capacity := len(r.buf)
	result := make([]T, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + capacity) % capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%capacity]
	}

	r.Reset()
	return result
}

// Reset empties the buffer without reading it.
func (r *Buffer[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.count = 0
	r.head = 0
	r.overflow = false
}

// Len returns the number of stored entries.
func (r *Buffer[T]) Len() int {
	return r.count
}

// Cap returns the fixed capacity.
func (r *Buffer[T]) Cap() int {
	return len(r.buf)
}

// Full reports whether the next Push will overwrite an entry.
func (r *Buffer[T]) Full() bool {
	return r.count == len(r.buf)
}

// Overflowed reports whether any entry was dropped since the last drain.
func (r *Buffer[T]) Overflowed() bool {
	return r.overflow
}
