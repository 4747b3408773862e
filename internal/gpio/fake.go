package gpio

import (
	"sync"
)

// FakeTrigger is a test double that delivers scripted edges to a sink.
type FakeTrigger struct {
	sink EdgeSink

	// Primary and Secondary are the levels returned by Levels.
	Primary   bool
	Secondary bool

	// LevelsError, if set, will be returned by Levels.
	LevelsError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeTrigger creates a FakeTrigger delivering to sink.
func NewFakeTrigger(sink EdgeSink) *FakeTrigger {
	return &FakeTrigger{sink: sink}
}

// Crank delivers a primary edge at now.
func (f *FakeTrigger) Crank(now uint32) {
	if !f.Closed {
		f.sink.Primary(now)
	}
}

// Cam delivers a secondary edge at now.
func (f *FakeTrigger) Cam(now uint32) {
	if !f.Closed {
		f.sink.Secondary(now)
	}
}

// Levels returns the scripted levels.
func (f *FakeTrigger) Levels() (bool, bool, error) {
	if f.LevelsError != nil {
		return false, false, f.LevelsError
	}
	return f.Primary, f.Secondary, nil
}

// Close stops edge delivery.
func (f *FakeTrigger) Close() error {
	f.Closed = true
	return nil
}

// OutputChange is one recorded Set call.
type OutputChange struct {
	Channel int
	On      bool
}

// FakeOutputs records output changes. Safe for concurrent use.
type FakeOutputs struct {
	mu      sync.Mutex
	states  []bool
	history []OutputChange
	closed  bool
}

// NewFakeOutputs creates n inactive outputs.
func NewFakeOutputs(n int) *FakeOutputs {
	return &FakeOutputs{states: make([]bool, n)}
}

// Set records the change. Unknown channels are ignored.
func (f *FakeOutputs) Set(ch int, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 0 || ch >= len(f.states) {
		return
	}
	f.states[ch] = on
	f.history = append(f.history, OutputChange{Channel: ch, On: on})
}

// State returns the current level of channel ch.
func (f *FakeOutputs) State(ch int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 0 || ch >= len(f.states) {
		return false
	}
	return f.states[ch]
}

// History returns a copy of all recorded changes.
func (f *FakeOutputs) History() []OutputChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutputChange(nil), f.history...)
}

// Close drives all outputs inactive.
func (f *FakeOutputs) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.states {
		f.states[i] = false
	}
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeOutputs) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
