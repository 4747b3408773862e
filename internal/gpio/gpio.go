// Package gpio connects the trigger inputs and the injector and coil outputs
// to hardware.
// The real implementation uses the Linux GPIO character device, which stamps
// each input edge in the kernel.
// The fake implementations allow testing without hardware.
package gpio

// EdgeSink receives trigger edges stamped in µs on the monotonic clock.
type EdgeSink interface {
	Primary(now uint32)
	Secondary(now uint32)
}

// Trigger delivers crank and cam edges to an EdgeSink.
type Trigger interface {
	// Levels returns the current raw levels of the primary and secondary
	// inputs. The secondary level is false when no cam input is configured.
	Levels() (primary, secondary bool, err error)

	// Close stops edge delivery and releases GPIO resources.
	Close() error
}

// Outputs drives injector and coil pins by channel index.
type Outputs interface {
	// Set drives channel ch active or inactive. It is called from the
	// scheduler's compare handler and must not block.
	Set(ch int, on bool)

	// Close drives every output inactive and releases GPIO resources.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	DefaultPinPrimary   = 17 // crank sensor
	DefaultPinSecondary = 27 // cam sensor
)

// Edge selects which transition of a trigger input counts as a tooth.
type Edge string

const (
	RisingEdge  Edge = "rising"
	FallingEdge Edge = "falling"
)

// TriggerConfig describes the trigger input lines.
type TriggerConfig struct {
	Chip string
	// Primary is the crank sensor line.
	Primary int
	// Secondary is the cam sensor line, or -1 for none.
	Secondary int
	Edge      Edge
}
