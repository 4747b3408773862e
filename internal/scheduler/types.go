package scheduler

import "errors"

// Status is the state of one output channel.
type Status uint8

const (
	Off Status = iota
	Pending
	Running
)

func (s Status) String() string {
	switch s {
	case Off:
		return "OFF"
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	}
	return "UNKNOWN"
}

// Kind is the output a channel drives.
type Kind uint8

const (
	Fuel Kind = iota
	Ignition
)

func (k Kind) String() string {
	switch k {
	case Fuel:
		return "fuel"
	case Ignition:
		return "ignition"
	}
	return "unknown"
}

// Channel limits per kind.
const (
	MaxFuel     = 8
	MaxIgnition = 8
)

var (
	// ErrMisconfigured is returned by New when the channel set does not fit
	// the channel limits or the timers provided.
	ErrMisconfigured = errors.New("scheduler: misconfigured")
	// ErrChannel is returned for a channel index that does not exist.
	ErrChannel = errors.New("scheduler: no such channel")
	// ErrNotRunning is returned by Extend when the output is not active.
	ErrNotRunning = errors.New("scheduler: channel not running")
)

// Callback drives a physical output. Callbacks run outside the scheduler's
// critical section, one at a time and in the order their transitions
// happened. They may call back into the scheduler.
type Callback func()

// ChannelConfig binds one output channel to a timer peripheral.
type ChannelConfig struct {
	Name string
	Kind Kind
	// Timer is the index of the peripheral, in the slice given to New,
	// whose compare drives this channel.
	Timer int
}

// ChannelState is a consistent copy of one channel.
type ChannelState struct {
	Name      string
	Kind      Kind
	Status    Status
	StartTime uint32
	EndTime   uint32
	Queued    bool
	Starts    uint32
	Ends      uint32
}
