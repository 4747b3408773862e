package engine

import "time"

// EventType names a change in engine state worth reporting.
type EventType string

const (
	EventSyncGained    EventType = "SYNC_GAINED"
	EventSyncLost      EventType = "SYNC_LOST"
	EventStall         EventType = "STALL"
	EventToothLogReady EventType = "TOOTH_LOG_READY"
	EventCut           EventType = "CUT"
	EventResume        EventType = "RESUME"
)

// Event is a state change to be published.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	RPM        uint16
	SyncLosses uint32
	Stalls     uint32
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	SyncGained int
	SyncLost   int
	Stall      int
	ToothLog   int
	Cut        int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	RPM       uint16
	Counts    EventCounts
}

// ChannelPlan fires one output once per engine cycle.
type ChannelPlan struct {
	// Channel is the scheduler channel index.
	Channel int
	// Angle is the crank angle at which the output ends: end of injection
	// for fuel, the spark for ignition.
	Angle int32
	// Duration is how long the output is held, in µs: pulse width for
	// fuel, dwell for ignition.
	Duration uint32
}

// Outputs drives the physical injector and coil pins.
type Outputs interface {
	Set(ch int, on bool)
}

// Clock is the µs counter shared with edge timestamps.
type Clock interface {
	Now() uint32
}
