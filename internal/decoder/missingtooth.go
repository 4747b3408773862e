package decoder

import "fmt"

// missingTooth decodes an evenly spaced wheel with a gap. The gap is found
// by comparing each tooth gap with the one before it.
type missingTooth struct {
	teeth       int // including the missing ones
	missing     int
	actual      int
	degPerTooth int
}

func (p *missingTooth) setup(d *Decoder) error {
	c := d.cfg
	if c.Teeth < 2 || 360%c.Teeth != 0 {
		return fmt.Errorf("%w: %d teeth does not divide 360 degrees", ErrConfig, c.Teeth)
	}
	if c.MissingTeeth < 1 || c.MissingTeeth >= c.Teeth-1 {
		return fmt.Errorf("%w: %d missing of %d teeth", ErrConfig, c.MissingTeeth, c.Teeth)
	}
	p.teeth = c.Teeth
	p.missing = c.MissingTeeth
	p.actual = c.Teeth - c.MissingTeeth
	p.degPerTooth = 360 / c.Teeth

	d.teethPerRev = p.actual
	d.checkSyncToothCount = c.Teeth / 2
	d.baseFilter = filterFor(p.degPerTooth)
	d.maxStall = uint32(stallUsPerDegree * p.degPerTooth * (p.missing + 1))
	return nil
}

func (p *missingTooth) primary(d *Decoder, now, gap uint32) {
	d.toothCurrentCount++
	sync := false

	// Only look for the gap where it is expected, unless still hunting.
	if d.primaryTeeth >= 2 && (d.toothCurrentCount > d.checkSyncToothCount || !d.hasSync) {
		var target uint64
		if p.missing == 1 {
			target = 3 * uint64(d.gap) >> 1
		} else {
			target = uint64(d.gap) * uint64(p.missing)
		}

		switch {
		case uint64(gap) >= target:
			if d.hasSync && d.toothCurrentCount < p.actual+1 {
				// gap came early
				d.loseSync()
			} else {
				d.toothOne(now)
				d.gainSync()
				sync = true
			}
		case d.hasSync && d.toothCurrentCount > p.actual:
			// ran past the gap without seeing it
			d.loseSync()
		}
	}

	d.shift(now, gap)
	if sync {
		// The tooth after the gap is a normal one; filtering against the
		// long gap would reject it.
		d.filterTime = d.baseFilter
	} else {
		d.setFilter(gap)
	}
}

func (p *missingTooth) secondary(d *Decoder, now uint32) {
	if d.cfg.Sequential {
		d.revolutionOne = true
	}
}

func (p *missingTooth) rpm(d *Decoder) (uint16, bool) {
	if d.toothCurrentCount == 1 {
		// the gap tooth spans the missing teeth
		return 0, false
	}
	return limitRPM(uint64(d.gap) * uint64(p.teeth))
}

func (p *missingTooth) toothAngle(n int) int32 {
	if n < 1 {
		return 0
	}
	return int32((n - 1) * p.degPerTooth)
}

func (p *missingTooth) span(n int) uint16 {
	if n == 1 {
		return uint16(p.degPerTooth * (p.missing + 1))
	}
	return uint16(p.degPerTooth)
}
