package decoder

import "errors"

// Pattern names a trigger wheel layout.
type Pattern string

const (
	// MissingTooth is an evenly spaced crank wheel with a gap of one or more
	// missing teeth marking tooth #1 (e.g. 36-1, 60-2).
	MissingTooth Pattern = "missing-tooth"
	// DualWheel is an evenly spaced crank wheel plus a single cam tooth that
	// marks the next crank tooth as tooth #1.
	DualWheel Pattern = "dual-wheel"
	// ToothTable is a crank wheel with irregular spacing described by a fixed
	// table of tooth angles, synchronized by a single cam tooth.
	ToothTable Pattern = "tooth-table"
)

// FilterMode selects how aggressively short pulses are rejected.
// The filter time after each tooth is a fraction of the last gap.
type FilterMode uint8

const (
	FilterOff        FilterMode = iota // configured base filter only
	FilterLight                        // 25% of the last gap
	FilterNormal                       // 50% of the last gap
	FilterAggressive                   // 75% of the last gap
)

var (
	// ErrPattern is returned for an unknown trigger pattern.
	ErrPattern = errors.New("decoder: unknown trigger pattern")
	// ErrConfig is returned when the wheel description is inconsistent.
	ErrConfig = errors.New("decoder: invalid configuration")
)

// Limits shared by every pattern.
const (
	// MaxRPM is the highest speed the decoder reports. Faster readings are
	// treated as noise and the previous value is kept.
	MaxRPM = 18000

	usPerMinute      = 60_000_000
	stallUsPerDegree = 3333 // about 50 RPM
	defaultStallTime = 500_000
	minStallTime     = 50_000
	// camLostRevs is how many revolutions may pass without a cam tooth
	// before a sequential decoder falls back to half sync.
	camLostRevs = 2
)

// Config describes the trigger wheel. It is read once by New.
type Config struct {
	Pattern Pattern

	// Teeth is the tooth count of a full crank wheel, counting missing
	// teeth. Unused by ToothTable.
	Teeth int
	// MissingTeeth is the size of the gap. MissingTooth only.
	MissingTeeth int
	// ToothAngles lists the crank angle of every tooth within one
	// revolution, ascending. ToothTable only.
	ToothAngles []int

	// TriggerAngle is the crank angle (degrees ATDC) of tooth #1.
	TriggerAngle int
	// Sequential tracks a 720 degree cycle using the cam input.
	Sequential bool

	Filter FilterMode
	// FilterTime is the minimum accepted tooth gap in µs. Zero selects the
	// gap of the pattern's smallest tooth at MaxRPM.
	FilterTime uint32
	// CrankRPM is the speed below which the engine is considered cranking.
	CrankRPM uint16
	// StallTime is the longest tooth gap in µs before the engine is
	// considered stopped. Zero selects the pattern default.
	StallTime uint32
	// SyncToothCount is how many teeth must be seen after sync before the
	// speed figures are refreshed. Zero selects the pattern default.
	SyncToothCount int

	// ToothLog enables capture of tooth intervals.
	ToothLog     bool
	ToothLogSize int
}

// Status is a consistent copy of the decoder's sync state and counters.
type Status struct {
	HasSync  bool
	HalfSync bool
	RPM      uint16

	ToothCurrentCount     int
	RevolutionOne         bool
	ConsecutiveValidTeeth int
	StartRevolutions      uint32

	SyncLossCounter uint32
	StallCount      uint32
	DebounceRejects uint32
	ToothLogDropped uint32

	FilterTime uint32
	MaxAngle   int32
}

// TimingRecord is a consistent copy of the most recent tooth timing.
type TimingRecord struct {
	LastToothTime          uint32
	LastMinusOneToothTime  uint32
	Gap                    uint32
	ToothIndex             int
	ToothOneTime           uint32
	ToothOneMinusOneTime   uint32
	SecondaryLastToothTime uint32
}
