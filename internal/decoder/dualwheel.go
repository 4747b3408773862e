package decoder

import "fmt"

// dualWheel decodes an evenly spaced crank wheel with one cam tooth. The
// first crank tooth after the cam tooth is tooth #1.
type dualWheel struct {
	teeth       int
	degPerTooth int
}

func (p *dualWheel) setup(d *Decoder) error {
	c := d.cfg
	if c.Teeth < 1 || 360%c.Teeth != 0 {
		return fmt.Errorf("%w: %d teeth does not divide 360 degrees", ErrConfig, c.Teeth)
	}
	p.teeth = c.Teeth
	p.degPerTooth = 360 / c.Teeth

	d.teethPerRev = p.teeth
	d.checkSyncToothCount = 1
	d.baseFilter = filterFor(p.degPerTooth)
	d.maxStall = max(uint32(stallUsPerDegree*p.degPerTooth), minStallTime)
	return nil
}

func (p *dualWheel) primary(d *Decoder, now, gap uint32) {
	d.shift(now, gap)
	d.setFilter(gap)
	if !d.hasSync {
		return
	}
	d.toothCurrentCount++
	if d.toothCurrentCount > p.teeth {
		d.toothOne(now)
	}
}

func (p *dualWheel) secondary(d *Decoder, now uint32) {
	if d.hasSync && d.toothCurrentCount != p.teeth {
		// cam tooth arrived at the wrong crank position
		d.loseSync()
	}
	if !d.hasSync {
		d.toothCurrentCount = p.teeth
		d.revolutionOne = true
		d.gainSync()
	}
}

func (p *dualWheel) rpm(d *Decoder) (uint16, bool) {
	return limitRPM(uint64(d.gap) * uint64(p.teeth))
}

func (p *dualWheel) toothAngle(n int) int32 {
	if n < 1 {
		return 0
	}
	return int32((n - 1) * p.degPerTooth)
}

func (p *dualWheel) span(int) uint16 { return uint16(p.degPerTooth) }
