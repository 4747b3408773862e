// Package crankmath converts between crank angle and elapsed time.
//
// Conversions run inside edge and compare handlers, so they never divide.
// Every factor is prepared by DoCrankSpeedCalcs, which runs once per
// qualifying tooth, and the conversions are a multiply followed by a shift.
//
// Fixed-point formats:
//
//	TimePerDegreeX16     µs per degree, Q4 (4 fraction bits)
//	DegreesPerUsX32768   degrees per µs, Q15
//	reciprocal           degrees per µs, Q32, used by TimeToAngle
package crankmath

import (
	"math"
	"math/bits"

	"github.com/sweeney/ecucore/internal/irq"
)

// Method selects which recent-history sample projects angle onto time.
type Method uint8

const (
	// IntervalDefault is the same as IntervalRev.
	IntervalDefault Method = iota
	// IntervalRev uses the speed over the last revolution.
	IntervalRev
	// IntervalTooth uses the last tooth-to-tooth interval. Falls back to
	// IntervalRev when the last tooth's angular span is unknown.
	IntervalTooth
	// AlphaBeta uses an alpha-beta filtered tooth interval.
	AlphaBeta
	// SecondDerivative extrapolates the next tooth interval from the last two.
	SecondDerivative
)

func (m Method) String() string {
	switch m {
	case IntervalDefault:
		return "default"
	case IntervalRev:
		return "revolution"
	case IntervalTooth:
		return "tooth"
	case AlphaBeta:
		return "alpha-beta"
	case SecondDerivative:
		return "second-derivative"
	}
	return "unknown"
}

// Crank angle limits for the two tracking modes.
const (
	CycleWasted     int32 = 360
	CycleSequential int32 = 720
)

// usPerDegreeX16AtOneRPM is 16 * 60,000,000 / 360.
const usPerDegreeX16AtOneRPM = 2666656

// Tooth describes the most recent tooth interval seen by the decoder.
type Tooth struct {
	Gap   uint32 // µs between the last two teeth
	Angle uint16 // crank degrees spanned by Gap; 0 when not known
}

// Scale is a point-in-time copy of the conversion factors.
type Scale struct {
	RPM                uint16
	TimePerDegree      uint32
	TimePerDegreeX16   uint32
	DegreesPerUsX32768 uint32
}

// estimate is one per-degree time with its precomputed reciprocal.
type estimate struct {
	x16   uint32 // µs per degree, Q4
	recip uint64 // degrees per µs, Q32
}

func newEstimate(x16 uint32) estimate {
	if x16 == 0 {
		return estimate{}
	}
	return estimate{x16: x16, recip: (uint64(16) << 32) / uint64(x16)}
}

func (e estimate) valid() bool { return e.x16 != 0 }

// alphaBeta tracks the per-degree tooth time, Q4, with alpha = 1/2 and
// beta = 1/8.
type alphaBeta struct {
	seeded bool
	est    int64
	rate   int64
}

func (f *alphaBeta) update(measured int64) int64 {
	if !f.seeded {
		f.seeded = true
		f.est = measured
		f.rate = 0
		return f.est
	}
	predicted := f.est + f.rate
	residual := measured - predicted
	f.est = predicted + residual>>1
	f.rate += residual >> 3
	if f.est < 1 {
		f.est = 1
	}
	return f.est
}

// Calculator holds the conversion factors for one decoder.
type Calculator struct {
	cs       irq.Section
	maxAngle int32
	scale    Scale
	rev      estimate
	tooth    estimate
	ab       estimate
	deriv    estimate
	filter   alphaBeta
	lastX16  uint32 // previous per-tooth measurement for SecondDerivative
}

// New returns a calculator whose ignition window is [0, maxAngle).
func New(maxAngle int32) *Calculator {
	if maxAngle <= 0 {
		maxAngle = CycleWasted
	}
	return &Calculator{maxAngle: maxAngle}
}

// MaxAngle returns the full ignition cycle in degrees.
func (c *Calculator) MaxAngle() int32 {
	defer c.cs.Enter().Exit()
	return c.maxAngle
}

// SetMaxAngle changes the ignition cycle, e.g. when half sync drops a
// sequential decoder back to 360 degree tracking.
func (c *Calculator) SetMaxAngle(maxAngle int32) {
	defer c.cs.Enter().Exit()
	if maxAngle > 0 {
		c.maxAngle = maxAngle
	}
}

// DoCrankSpeedCalcs refreshes the conversion factors. rpm is the decoder's
// current estimate; tooth is the most recent interval, whose Angle is zero
// when the spacing of that tooth is not known. An rpm of zero clears
// everything and later conversions return 0.
func (c *Calculator) DoCrankSpeedCalcs(rpm uint16, tooth Tooth) {
	defer c.cs.Enter().Exit()

	if rpm == 0 {
		c.scale = Scale{}
		c.rev, c.tooth, c.ab, c.deriv = estimate{}, estimate{}, estimate{}, estimate{}
		c.filter = alphaBeta{}
		c.lastX16 = 0
		return
	}

	revX16 := uint32(usPerDegreeX16AtOneRPM / uint32(rpm))
	if revX16 == 0 {
		revX16 = 1
	}
	c.rev = newEstimate(revX16)

	scaleX16 := revX16
	if tooth.Angle != 0 && tooth.Gap != 0 {
		measured := uint32(clampU64((uint64(tooth.Gap) << 4) / uint64(tooth.Angle)))
		if measured == 0 {
			measured = 1
		}
		c.tooth = newEstimate(measured)
		c.ab = newEstimate(uint32(c.filter.update(int64(measured))))

		if c.lastX16 != 0 {
			next := 2*int64(measured) - int64(c.lastX16)
			if next < 1 {
				next = 1
			}
			if next > math.MaxUint32 {
				next = math.MaxUint32
			}
			c.deriv = newEstimate(uint32(next))
		}
		c.lastX16 = measured
		scaleX16 = measured
	} else {
		c.tooth = estimate{}
	}

	c.scale = Scale{
		RPM:                rpm,
		TimePerDegreeX16:   scaleX16,
		TimePerDegree:      scaleX16 >> 4,
		DegreesPerUsX32768: uint32(uint64(1<<19) / uint64(scaleX16)),
	}
}

// Scale returns the current factors.
func (c *Calculator) Scale() Scale {
	defer c.cs.Enter().Exit()
	return c.scale
}

func (c *Calculator) pick(m Method) estimate {
	var e estimate
	switch m {
	case IntervalTooth:
		e = c.tooth
	case AlphaBeta:
		e = c.ab
	case SecondDerivative:
		e = c.deriv
	}
	if !e.valid() {
		e = c.rev
	}
	return e
}

// AngleToTime converts a crank angle delta to µs. Zero and negative
// angles give 0; results beyond 32 bits saturate.
func (c *Calculator) AngleToTime(angle int32, m Method) uint32 {
	if angle <= 0 {
		return 0
	}
	tok := c.cs.Enter()
	e := c.pick(m)
	tok.Exit()

	return uint32(clampU64((uint64(angle) * uint64(e.x16)) >> 4))
}

// TimeToAngle converts µs to a crank angle delta, rounding down.
// Results beyond the int32 range saturate.
func (c *Calculator) TimeToAngle(us uint32, m Method) int32 {
	if us == 0 {
		return 0
	}
	tok := c.cs.Enter()
	e := c.pick(m)
	tok.Exit()

	hi, lo := bits.Mul64(uint64(us), e.recip)
	if hi>>32 != 0 {
		return math.MaxInt32
	}
	angle := hi<<32 | lo>>32
	if angle > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(angle)
}

// IgnitionLimits wraps angle into [0, MaxAngle).
func (c *Calculator) IgnitionLimits(angle int32) int32 {
	return IgnitionLimits(angle, c.MaxAngle())
}

// IgnitionLimits wraps angle into [0, max) by adding or subtracting one
// full cycle. Angles more than a cycle outside the window are reduced
// modulo max first.
func IgnitionLimits(angle, max int32) int32 {
	if max <= 0 {
		return angle
	}
	if angle >= 2*max || angle < -max {
		angle %= max
	}
	if angle >= max {
		angle -= max
	} else if angle < 0 {
		angle += max
	}
	return angle
}

func clampU64(v uint64) uint64 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return v
}
