//go:build linux

package gpio

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/warthog618/go-gpiocdev"
)

// RealTrigger delivers edges from GPIO lines using kernel event timestamps.
type RealTrigger struct {
	chip      *gpiocdev.Chip
	primary   *gpiocdev.Line
	secondary *gpiocdev.Line
	dropped   atomic.Uint32
}

// NewRealTrigger requests the trigger lines and starts delivering edges to
// sink. Edges are delivered from gpiocdev's event goroutine.
func NewRealTrigger(cfg TriggerConfig, sink EdgeSink) (*RealTrigger, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	t := &RealTrigger{chip: chip}

	edge := gpiocdev.WithRisingEdge
	if cfg.Edge == FallingEdge {
		edge = gpiocdev.WithFallingEdge
	}

	t.primary, err = chip.RequestLine(cfg.Primary, gpiocdev.AsInput, edge,
		gpiocdev.WithEventHandler(t.handler(sink.Primary)))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request primary pin %d: %w", cfg.Primary, err)
	}

	if cfg.Secondary >= 0 {
		t.secondary, err = chip.RequestLine(cfg.Secondary, gpiocdev.AsInput, edge,
			gpiocdev.WithEventHandler(t.handler(sink.Secondary)))
		if err != nil {
			t.primary.Close()
			chip.Close()
			return nil, fmt.Errorf("request secondary pin %d: %w", cfg.Secondary, err)
		}
	}

	return t, nil
}

// handler converts line events to µs timestamps. Events lost to a kernel
// queue overflow show up as gaps in the line sequence numbers.
func (t *RealTrigger) handler(deliver func(uint32)) func(gpiocdev.LineEvent) {
	var last uint32
	return func(evt gpiocdev.LineEvent) {
		if last != 0 && evt.LineSeqno > last+1 {
			t.dropped.Add(evt.LineSeqno - last - 1)
		}
		last = evt.LineSeqno
		deliver(uint32(evt.Timestamp.Microseconds()))
	}
}

// Dropped returns the number of edges lost in the kernel event queue.
func (t *RealTrigger) Dropped() uint32 { return t.dropped.Load() }

// Levels returns the raw levels of the trigger inputs.
func (t *RealTrigger) Levels() (bool, bool, error) {
	p, err := t.primary.Value()
	if err != nil {
		return false, false, fmt.Errorf("read primary pin: %w", err)
	}
	if t.secondary == nil {
		return p == 1, false, nil
	}
	s, err := t.secondary.Value()
	if err != nil {
		return false, false, fmt.Errorf("read secondary pin: %w", err)
	}
	return p == 1, s == 1, nil
}

// Close releases the trigger lines.
func (t *RealTrigger) Close() error {
	var errs []error
	if t.primary != nil {
		if err := t.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close primary pin: %w", err))
		}
	}
	if t.secondary != nil {
		if err := t.secondary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close secondary pin: %w", err))
		}
	}
	if t.chip != nil {
		if err := t.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealOutputs drives injector and coil pins.
type RealOutputs struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

// NewRealOutputs requests one output line per channel, driven inactive.
func NewRealOutputs(chipName string, pins []int) (*RealOutputs, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	o := &RealOutputs{chip: chip}
	for i, pin := range pins {
		l, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("request output %d pin %d: %w", i, pin, err)
		}
		o.lines = append(o.lines, l)
	}
	return o, nil
}

// Set drives channel ch.
func (o *RealOutputs) Set(ch int, on bool) {
	if ch < 0 || ch >= len(o.lines) {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := o.lines[ch].SetValue(v); err != nil {
		log.Printf("gpio: set output %d: %v", ch, err)
	}
}

// Close drives all outputs inactive and releases them.
// Outputs are left as inputs with pull-down so injectors and coils stay off
// while the daemon is not running.
func (o *RealOutputs) Close() error {
	var errs []error
	for i, l := range o.lines {
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear output %d: %w", i, err))
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure output %d: %w", i, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output %d: %w", i, err))
		}
	}
	o.lines = nil
	if o.chip != nil {
		if err := o.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		o.chip = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
