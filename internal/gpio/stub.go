//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealTrigger is not available on non-Linux platforms.
type RealTrigger struct{}

// NewRealTrigger returns an error on non-Linux platforms.
func NewRealTrigger(TriggerConfig, EdgeSink) (*RealTrigger, error) {
	return nil, errUnsupported
}

// Levels is not implemented on non-Linux platforms.
func (t *RealTrigger) Levels() (bool, bool, error) { return false, false, errUnsupported }

// Dropped is always zero on non-Linux platforms.
func (t *RealTrigger) Dropped() uint32 { return 0 }

// Close is not implemented on non-Linux platforms.
func (t *RealTrigger) Close() error { return nil }

// RealOutputs is not available on non-Linux platforms.
type RealOutputs struct{}

// NewRealOutputs returns an error on non-Linux platforms.
func NewRealOutputs(string, []int) (*RealOutputs, error) {
	return nil, errUnsupported
}

// Set does nothing on non-Linux platforms.
func (o *RealOutputs) Set(int, bool) {}

// Close is not implemented on non-Linux platforms.
func (o *RealOutputs) Close() error { return nil }
