// Package wheel generates synthetic crank and cam edges for trigger wheels.
package wheel

import (
	"cmp"
	"slices"
)

// Edge is one sensor edge at a µs timestamp.
type Edge struct {
	At        uint32
	Secondary bool
}

// Pattern is the layout of a wheel over one 720 degree cycle. Tooth #1 is at
// angle 0.
type Pattern struct {
	// Teeth lists crank tooth angles within one revolution.
	Teeth []int
	// Cam is the cam tooth angle within the cycle, or -1 for none.
	Cam int
}

// MissingTooth returns an evenly spaced wheel with missing teeth before
// tooth #1. With cam set, a cam tooth falls mid-way through the second
// revolution.
func MissingTooth(teeth, missing int, cam bool) Pattern {
	step := 360 / teeth
	p := Pattern{Cam: -1}
	for i := 0; i < teeth-missing; i++ {
		p.Teeth = append(p.Teeth, i*step)
	}
	if cam {
		p.Cam = 540
	}
	return p
}

// DualWheel returns an evenly spaced crank wheel with a cam tooth half a
// crank tooth before tooth #1 of the next cycle.
func DualWheel(teeth int) Pattern {
	step := 360 / teeth
	p := Pattern{Cam: 720 - step/2}
	for i := 0; i < teeth; i++ {
		p.Teeth = append(p.Teeth, i*step)
	}
	return p
}

// ToothTable returns a wheel with the given tooth angles and a cam tooth
// in the gap before tooth #1 of the next cycle.
func ToothTable(angles []int) Pattern {
	first := angles[0]
	p := Pattern{}
	for _, a := range angles {
		p.Teeth = append(p.Teeth, a-first)
	}
	last := p.Teeth[len(p.Teeth)-1]
	p.Cam = 360 + last + (360-last)/2
	return p
}

// Period returns the µs per revolution at rpm.
func Period(rpm int) uint32 {
	if rpm <= 0 {
		return 0
	}
	return uint32(60_000_000 / rpm)
}

// Generator emits a pattern one revolution at a time, so the speed can
// change between revolutions.
type Generator struct {
	p      Pattern
	origin uint32
	rev    int
}

// NewGenerator starts the pattern with tooth #1 at start.
func NewGenerator(p Pattern, start uint32) *Generator {
	return &Generator{p: p, origin: start}
}

// Revolution returns the edges of the next revolution lasting usPerRev µs.
func (g *Generator) Revolution(usPerRev uint32) []Edge {
	type offset struct {
		angle int
		edge  Edge
	}
	at := func(angle int) uint32 {
		return g.origin + uint32(uint64(angle)*uint64(usPerRev)/360)
	}

	var edges []offset
	for _, a := range g.p.Teeth {
		edges = append(edges, offset{a, Edge{At: at(a)}})
	}
	if g.p.Cam >= 0 && g.p.Cam/360 == g.rev%2 {
		a := g.p.Cam % 360
		edges = append(edges, offset{a, Edge{At: at(a), Secondary: true}})
	}
	slices.SortStableFunc(edges, func(x, y offset) int { return cmp.Compare(x.angle, y.angle) })

	g.origin += usPerRev
	g.rev++

	out := make([]Edge, len(edges))
	for i, e := range edges {
		out[i] = e.edge
	}
	return out
}

// Train returns revs revolutions at a constant speed.
func (g *Generator) Train(usPerRev uint32, revs int) []Edge {
	var out []Edge
	for range revs {
		out = append(out, g.Revolution(usPerRev)...)
	}
	return out
}

// Sink receives edges.
type Sink interface {
	Primary(now uint32)
	Secondary(now uint32)
}

// Clock is a steppable µs counter.
type Clock interface {
	Now() uint32
	Advance(d uint32)
}

// Replay steps clock to each edge in turn and delivers it to sink. Edges
// already in the past are delivered without moving the clock.
func Replay(edges []Edge, clock Clock, sink Sink) {
	for _, e := range edges {
		if d := int32(e.At - clock.Now()); d > 0 {
			clock.Advance(uint32(d))
		}
		if e.Secondary {
			sink.Secondary(e.At)
		} else {
			sink.Primary(e.At)
		}
	}
}
