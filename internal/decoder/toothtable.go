package decoder

import (
	"fmt"
	"slices"
)

// toothTable decodes a crank wheel with irregular tooth spacing. A cam
// tooth marks the next crank tooth as tooth #1; the gap into tooth #1 is
// checked against the table each revolution.
type toothTable struct {
	angles []int32  // angle of each tooth past tooth #1
	spans  []uint16 // width of the gap ending at each tooth
}

func (p *toothTable) setup(d *Decoder) error {
	a := d.cfg.ToothAngles
	if len(a) < 2 {
		return fmt.Errorf("%w: tooth table needs at least 2 teeth", ErrConfig)
	}
	if a[0] < 0 || a[len(a)-1]-a[0] >= 360 {
		return fmt.Errorf("%w: tooth angles must lie within one revolution", ErrConfig)
	}
	for i := 1; i < len(a); i++ {
		if a[i] <= a[i-1] {
			return fmt.Errorf("%w: tooth angles must be ascending", ErrConfig)
		}
	}

	p.angles = make([]int32, len(a))
	p.spans = make([]uint16, len(a))
	for i := range a {
		p.angles[i] = int32(a[i] - a[0])
		if i == 0 {
			p.spans[i] = uint16(360 - a[len(a)-1] + a[0])
		} else {
			p.spans[i] = uint16(a[i] - a[i-1])
		}
	}

	d.teethPerRev = len(a)
	d.checkSyncToothCount = 1
	d.baseFilter = filterFor(int(slices.Min(p.spans)))
	d.maxStall = max(uint32(stallUsPerDegree*int(slices.Max(p.spans))), minStallTime)
	return nil
}

func (p *toothTable) primary(d *Decoder, now, gap uint32) {
	if d.hasSync {
		d.toothCurrentCount++
		if d.toothCurrentCount > len(p.angles) {
			d.toothOne(now)
			if d.primaryTeeth >= 2 && !p.ratioOK(gap, d.gap) {
				d.loseSync()
			}
		}
	}
	d.shift(now, gap)
	if !d.hasSync {
		d.setFilter(0)
		return
	}
	// Scale the filter to the width of the next tooth gap.
	next := d.toothCurrentCount%len(p.spans) + 1
	d.setFilter(uint32(uint64(gap) * uint64(p.span(next)) / uint64(p.span(d.toothCurrentCount))))
}

// ratioOK checks the gap into tooth #1 against the gap before it. The
// measured ratio must be within half and one and a half times the table's.
func (p *toothTable) ratioOK(gap, prev uint32) bool {
	want := uint64(prev) * uint64(p.spans[0])
	got := 2 * uint64(gap) * uint64(p.spans[len(p.spans)-1])
	return got >= want && got <= 3*want
}

func (p *toothTable) secondary(d *Decoder, now uint32) {
	if d.hasSync && d.toothCurrentCount != len(p.angles) {
		d.loseSync()
	}
	if !d.hasSync {
		d.toothCurrentCount = len(p.angles)
		d.revolutionOne = true
		d.gainSync()
	}
}

func (p *toothTable) rpm(d *Decoder) (uint16, bool) {
	s := p.span(d.toothCurrentCount)
	if s == 0 {
		return 0, false
	}
	return limitRPM(uint64(d.gap) * 360 / uint64(s))
}

func (p *toothTable) toothAngle(n int) int32 {
	if n < 1 || n > len(p.angles) {
		return 0
	}
	return p.angles[n-1]
}

func (p *toothTable) span(n int) uint16 {
	if n < 1 || n > len(p.spans) {
		return 0
	}
	return p.spans[n-1]
}
