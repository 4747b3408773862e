// Package decoder turns crank and cam edge timestamps into engine position.
//
// Edge handlers call Primary and Secondary with the timestamp captured at the
// edge. Everything else (RPM, CrankAngle, Status, CheckStall) may be called
// from other goroutines; shared state is guarded by an irq.Section.
package decoder

import (
	"fmt"

	"github.com/sweeney/ecucore/internal/crankmath"
	"github.com/sweeney/ecucore/internal/irq"
	"github.com/sweeney/ecucore/internal/toothlog"
)

// pattern is the per-wheel part of the decoder. Methods run inside the
// decoder's critical section.
type pattern interface {
	setup(d *Decoder) error
	primary(d *Decoder, now, gap uint32)
	secondary(d *Decoder, now uint32)
	// rpm returns the speed from the latest tooth, or false to keep the
	// previous value.
	rpm(d *Decoder) (uint16, bool)
	// toothAngle is the angle of tooth n (1-based) past tooth #1.
	toothAngle(n int) int32
	// span is the angular width of the gap that ended at tooth n.
	span(n int) uint16
}

// Decoder tracks sync and speed for one trigger wheel.
type Decoder struct {
	cfg  Config
	pat  pattern
	math *crankmath.Calculator
	log  *toothlog.Log

	cs irq.Section

	// wheel geometry, fixed by setup
	teethPerRev         int
	checkSyncToothCount int
	baseFilter          uint32
	maxStall            uint32

	hasSync       bool
	halfSync      bool
	revolutionOne bool
	rpm           uint16

	toothCurrentCount          int
	toothLastToothTime         uint32
	toothLastMinusOneToothTime uint32
	gap                        uint32
	toothOneTime               uint32
	toothOneMinusOneTime       uint32
	toothOnes                  int // tooth #1 passes since sync, saturating at 2

	primaryTeeth   uint32
	teethSinceSync int
	lostTeeth      int
	revsSinceCam   int

	secondaryTeeth         uint32
	secondaryLastToothTime uint32
	secFilterTime          uint32

	filterTime       uint32
	startRevolutions uint32
	syncLossCounter  uint32
	stallCount       uint32
	debounceRejects  uint32
}

// New validates cfg and returns a decoder waiting for its first tooth.
func New(cfg Config) (*Decoder, error) {
	var p pattern
	switch cfg.Pattern {
	case MissingTooth:
		p = &missingTooth{}
	case DualWheel:
		p = &dualWheel{}
	case ToothTable:
		p = &toothTable{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrPattern, cfg.Pattern)
	}

	d := &Decoder{
		cfg: cfg,
		pat: p,
		log: toothlog.New(cfg.ToothLogSize),
	}
	if err := p.setup(d); err != nil {
		return nil, err
	}
	if cfg.SyncToothCount > 0 {
		d.checkSyncToothCount = cfg.SyncToothCount
	}
	if cfg.FilterTime > 0 {
		d.baseFilter = cfg.FilterTime
	}
	if cfg.StallTime > 0 {
		d.maxStall = cfg.StallTime
	}
	if d.cfg.CrankRPM == 0 {
		d.cfg.CrankRPM = 400
	}
	d.math = crankmath.New(d.maxAngle())
	d.log.SetEnabled(cfg.ToothLog)
	d.reset()
	return d, nil
}

// Math returns the speed calculator fed by this decoder.
func (d *Decoder) Math() *crankmath.Calculator { return d.math }

// ToothLog returns the tooth interval capture.
func (d *Decoder) ToothLog() *toothlog.Log { return d.log }

// Primary handles a crank edge captured at now (µs).
func (d *Decoder) Primary(now uint32) {
	defer d.cs.Enter().Exit()

	gap := now - d.toothLastToothTime
	if d.primaryTeeth > 0 && gap < d.filterTime {
		d.debounceRejects++
		return
	}

	d.pat.primary(d, now, gap)

	if !d.hasSync {
		// Give the pattern one revolution to find the sync point again
		// before the speed figures are discarded.
		if d.rpm != 0 && d.lostTeeth > d.teethPerRev {
			d.clearSpeed()
		}
		return
	}
	if d.teethSinceSync >= d.checkSyncToothCount {
		d.refreshSpeed()
	}
}

// Secondary handles a cam edge captured at now (µs).
func (d *Decoder) Secondary(now uint32) {
	defer d.cs.Enter().Exit()

	if d.secondaryTeeth > 0 {
		gap := now - d.secondaryLastToothTime
		if gap < d.secFilterTime {
			d.debounceRejects++
			return
		}
		d.secFilterTime = gap >> 2
	}
	d.secondaryLastToothTime = now
	d.secondaryTeeth++
	d.revsSinceCam = 0

	d.pat.secondary(d, now)
	d.updateHalfSync()
}

// RPM returns the current engine speed, or 0 without sync.
func (d *Decoder) RPM() uint16 {
	defer d.cs.Enter().Exit()
	if !d.hasSync {
		return 0
	}
	return d.rpm
}

// HasSync reports whether the decoder knows the crank position.
func (d *Decoder) HasSync() bool {
	defer d.cs.Enter().Exit()
	return d.hasSync
}

// MaxAngle is the crank cycle currently tracked: 720 in full sequential
// sync, 360 otherwise.
func (d *Decoder) MaxAngle() int32 {
	defer d.cs.Enter().Exit()
	return d.maxAngle()
}

// CrankAngle interpolates the crank angle at now from the last tooth. The
// result is within [0, MaxAngle). It is 0 until the first sync.
func (d *Decoder) CrankAngle(now uint32) int32 {
	tok := d.cs.Enter()
	if !d.hasSync {
		tok.Exit()
		return 0
	}
	angle := d.pat.toothAngle(d.toothCurrentCount) + int32(d.cfg.TriggerAngle)
	last := d.toothLastToothTime
	maxAngle := d.maxAngle()
	if d.revolutionOne && maxAngle == crankmath.CycleSequential {
		angle += 360
	}
	tok.Exit()

	if elapsed := int32(now - last); elapsed > 0 {
		angle += d.math.TimeToAngle(uint32(elapsed), crankmath.IntervalRev)
	}
	return crankmath.IgnitionLimits(angle, maxAngle)
}

// Status returns a consistent copy of the sync state.
func (d *Decoder) Status() Status {
	defer d.cs.Enter().Exit()
	s := Status{
		HasSync:               d.hasSync,
		HalfSync:              d.halfSync,
		ToothCurrentCount:     d.toothCurrentCount,
		RevolutionOne:         d.revolutionOne,
		ConsecutiveValidTeeth: d.teethSinceSync,
		StartRevolutions:      d.startRevolutions,
		SyncLossCounter:       d.syncLossCounter,
		StallCount:            d.stallCount,
		DebounceRejects:       d.debounceRejects,
		ToothLogDropped:       d.log.Dropped(),
		FilterTime:            d.filterTime,
		MaxAngle:              d.maxAngle(),
	}
	if d.hasSync {
		s.RPM = d.rpm
	}
	return s
}

// Timing returns a consistent copy of the latest tooth timestamps.
func (d *Decoder) Timing() TimingRecord {
	defer d.cs.Enter().Exit()
	return TimingRecord{
		LastToothTime:          d.toothLastToothTime,
		LastMinusOneToothTime:  d.toothLastMinusOneToothTime,
		Gap:                    d.gap,
		ToothIndex:             d.toothCurrentCount,
		ToothOneTime:           d.toothOneTime,
		ToothOneMinusOneTime:   d.toothOneMinusOneTime,
		SecondaryLastToothTime: d.secondaryLastToothTime,
	}
}

// CheckStall declares the engine stopped if no crank tooth has arrived for
// longer than the stall time. It returns true when a stall was declared.
func (d *Decoder) CheckStall(now uint32) bool {
	defer d.cs.Enter().Exit()
	if d.primaryTeeth == 0 {
		return false
	}
	// A tooth stamped after now raced the caller and is not a stall.
	if elapsed := int32(now - d.toothLastToothTime); elapsed < int32(d.maxStall) {
		return false
	}
	d.reset()
	d.stallCount++
	return true
}

// reset returns the decoder to its power-on state, keeping counters.
func (d *Decoder) reset() {
	d.hasSync = false
	d.halfSync = false
	d.revolutionOne = false
	d.toothCurrentCount = 0
	d.toothLastToothTime = 0
	d.toothLastMinusOneToothTime = 0
	d.gap = 0
	d.toothOneTime = 0
	d.toothOneMinusOneTime = 0
	d.primaryTeeth = 0
	d.teethSinceSync = 0
	d.lostTeeth = 0
	d.revsSinceCam = camLostRevs + 1
	d.secondaryTeeth = 0
	d.secFilterTime = 0
	d.filterTime = d.baseFilter
	d.startRevolutions = 0
	d.clearSpeed()
	d.math.SetMaxAngle(d.maxAngle())
}

func (d *Decoder) clearSpeed() {
	d.rpm = 0
	d.toothOnes = 0
	d.math.DoCrankSpeedCalcs(0, crankmath.Tooth{})
}

func (d *Decoder) maxAngle() int32 {
	if d.cfg.Sequential && !d.halfSync {
		return crankmath.CycleSequential
	}
	return crankmath.CycleWasted
}

// shift records an accepted crank tooth.
func (d *Decoder) shift(now, gap uint32) {
	if d.primaryTeeth > 0 {
		d.log.Add(gap)
	}
	d.toothLastMinusOneToothTime = d.toothLastToothTime
	d.toothLastToothTime = now
	d.gap = gap
	if d.primaryTeeth < ^uint32(0) {
		d.primaryTeeth++
	}
	if d.hasSync {
		d.teethSinceSync++
	} else {
		d.lostTeeth++
	}
}

// setFilter sets the debounce time for the next tooth from the gap that
// ended at the current one.
func (d *Decoder) setFilter(gap uint32) {
	var f uint64
	if d.primaryTeeth >= 2 {
		switch d.cfg.Filter {
		case FilterLight:
			f = uint64(gap) >> 2
		case FilterNormal:
			f = uint64(gap) >> 1
		case FilterAggressive:
			f = uint64(gap) * 3 >> 2
		}
	}
	if f < uint64(d.baseFilter) {
		f = uint64(d.baseFilter)
	}
	d.filterTime = uint32(f)
}

// toothOne marks the current tooth as tooth #1.
func (d *Decoder) toothOne(now uint32) {
	d.toothCurrentCount = 1
	d.revolutionOne = !d.revolutionOne
	d.toothOneMinusOneTime = d.toothOneTime
	d.toothOneTime = now
	if d.toothOnes < 2 {
		d.toothOnes++
	}
	if d.hasSync {
		d.startRevolutions++
	}
	if d.revsSinceCam <= camLostRevs {
		d.revsSinceCam++
	}
	d.updateHalfSync()
}

func (d *Decoder) gainSync() {
	if d.hasSync {
		return
	}
	d.hasSync = true
	d.teethSinceSync = 0
	d.lostTeeth = 0
	d.updateHalfSync()
}

// loseSync drops sync after an inconsistent tooth. Speed is kept so the
// pattern can resync without a restart.
func (d *Decoder) loseSync() {
	if !d.hasSync {
		return
	}
	d.hasSync = false
	d.syncLossCounter++
	d.toothCurrentCount = 0
	d.teethSinceSync = 0
	d.lostTeeth = 0
	d.toothOnes = 0
	d.updateHalfSync()
}

func (d *Decoder) updateHalfSync() {
	half := d.cfg.Sequential && d.hasSync && d.revsSinceCam > camLostRevs
	if half == d.halfSync {
		return
	}
	d.halfSync = half
	d.math.SetMaxAngle(d.maxAngle())
}

// refreshSpeed updates RPM and the crank math scale from the latest tooth.
func (d *Decoder) refreshSpeed() {
	var (
		rpm uint16
		ok  bool
	)
	if d.rpm < d.cfg.CrankRPM {
		rpm, ok = d.revolutionRPM()
	} else {
		rpm, ok = d.pat.rpm(d)
	}
	if ok {
		d.rpm = rpm
	}
	if d.rpm == 0 {
		return
	}
	d.math.DoCrankSpeedCalcs(d.rpm, crankmath.Tooth{
		Gap:   d.gap,
		Angle: d.pat.span(d.toothCurrentCount),
	})
}

// revolutionRPM is the speed over the last full revolution.
func (d *Decoder) revolutionRPM() (uint16, bool) {
	if d.toothOnes < 2 {
		return 0, false
	}
	return limitRPM(uint64(d.toothOneTime - d.toothOneMinusOneTime))
}

// limitRPM converts the time for one revolution to RPM, rejecting values
// above MaxRPM.
func limitRPM(revTime uint64) (uint16, bool) {
	if revTime == 0 {
		return 0, false
	}
	rpm := usPerMinute / revTime
	if rpm >= MaxRPM {
		return 0, false
	}
	return uint16(rpm), true
}

// filterFor is the gap of a tooth spanning degrees at MaxRPM.
func filterFor(degrees int) uint32 {
	return uint32(uint64(usPerMinute) * uint64(degrees) / (MaxRPM * 360))
}
