// Package scheduler fires fuel and ignition outputs at future times.
//
// Each channel runs its own OFF → PENDING → RUNNING → OFF state machine.
// Channels mapped to the same timer peripheral share its compare register:
// the scheduler keeps it armed for the soonest event of any of them.
//
// Output callbacks are queued in the order the transitions that produce them
// happen and run by a single dispatcher, so an end never overtakes the start
// of the same window even when Cancel races the compare handler.
package scheduler

import (
	"fmt"
	"math"

	"github.com/sweeney/ecucore/internal/hwtimer"
	"github.com/sweeney/ecucore/internal/irq"
)

type window struct {
	at       uint32 // absolute start time
	duration uint32
	start    Callback
	end      Callback
}

type channel struct {
	cfg    ChannelConfig
	status Status

	cur     window
	next    window
	hasNext bool
	endTime uint32

	starts uint32
	ends   uint32
}

// target returns when the channel next needs the compare.
func (c *channel) target() (uint32, bool) {
	switch c.status {
	case Pending:
		return c.cur.at, true
	case Running:
		return c.endTime, true
	}
	return 0, false
}

type peripheral struct {
	timer    hwtimer.Timer
	channels []int
}

// MaxDelay bounds delays and durations so every target stays within half
// the 32-bit clock of now. Larger values are clamped.
const MaxDelay = math.MaxInt32

// Scheduler owns a fixed set of output channels.
type Scheduler struct {
	cs       irq.Section
	channels []channel
	timers   []*peripheral
	overruns uint32

	// callbacks waiting for the dispatcher, oldest at head
	queue       []Callback
	head        int
	dispatching bool
}

// New validates the channel set and takes ownership of the timers' compare
// handlers.
func New(timers []hwtimer.Timer, chans []ChannelConfig) (*Scheduler, error) {
	if len(timers) == 0 {
		return nil, fmt.Errorf("%w: no timers", ErrMisconfigured)
	}

	var fuel, ign int
	s := &Scheduler{
		channels: make([]channel, len(chans)),
		timers:   make([]*peripheral, len(timers)),
	}
	for i, t := range timers {
		s.timers[i] = &peripheral{timer: t}
	}
	for i, c := range chans {
		switch c.Kind {
		case Fuel:
			fuel++
		case Ignition:
			ign++
		default:
			return nil, fmt.Errorf("%w: channel %d has unknown kind %d", ErrMisconfigured, i, c.Kind)
		}
		if c.Timer < 0 || c.Timer >= len(timers) {
			return nil, fmt.Errorf("%w: channel %d uses timer %d of %d", ErrMisconfigured, i, c.Timer, len(timers))
		}
		s.channels[i].cfg = c
		s.timers[c.Timer].channels = append(s.timers[c.Timer].channels, i)
	}
	if fuel > MaxFuel || ign > MaxIgnition {
		return nil, fmt.Errorf("%w: %d fuel and %d ignition channels, limit %d and %d",
			ErrMisconfigured, fuel, ign, MaxFuel, MaxIgnition)
	}

	for i, p := range s.timers {
		p.timer.ClearCompare()
		p.timer.SetHandler(func() { s.run(i) })
	}
	return s, nil
}

// Channels returns the number of configured channels.
func (s *Scheduler) Channels() int { return len(s.channels) }

// Schedule asks channel ch to start its output delay µs from now and hold it
// for duration µs.
//
// An idle channel becomes PENDING. A PENDING channel is re-armed if the new
// start comes before the current window would end; otherwise the request is
// queued behind it. A RUNNING channel always queues. Only one request is
// queued per channel; a newer one replaces it. delay and duration are
// clamped to MaxDelay.
func (s *Scheduler) Schedule(ch int, delay, duration uint32, start, end Callback) error {
	if ch < 0 || ch >= len(s.channels) {
		return fmt.Errorf("%w: %d", ErrChannel, ch)
	}
	delay, duration = min(delay, MaxDelay), min(duration, MaxDelay)

	tok := s.cs.Enter()
	c := &s.channels[ch]
	now := s.timers[c.cfg.Timer].timer.Now()
	w := window{at: now + delay, duration: duration, start: start, end: end}

	switch c.status {
	case Off:
		c.cur = w
		c.status = Pending
		if delay == 0 {
			s.overruns++
		}
	case Pending:
		// a pending start is at most MaxDelay ahead, so the offset fits an int32
		curEnd := int64(int32(c.cur.at-now)) + int64(c.cur.duration)
		if int64(delay) < curEnd {
			c.cur = w
			if delay == 0 {
				s.overruns++
			}
		} else {
			c.next, c.hasNext = w, true
		}
	case Running:
		c.next, c.hasNext = w, true
	}
	tok.Exit()

	s.run(c.cfg.Timer)
	return nil
}

// Extend moves the end of a running output to endDelay µs from now. An end
// earlier than the current one is ignored. endDelay is clamped to MaxDelay.
func (s *Scheduler) Extend(ch int, endDelay uint32) error {
	if ch < 0 || ch >= len(s.channels) {
		return fmt.Errorf("%w: %d", ErrChannel, ch)
	}

	tok := s.cs.Enter()
	c := &s.channels[ch]
	if c.status != Running {
		tok.Exit()
		return ErrNotRunning
	}
	end := s.timers[c.cfg.Timer].timer.Now() + min(endDelay, MaxDelay)
	if int32(end-c.endTime) > 0 {
		c.endTime = end
	}
	tok.Exit()

	s.run(c.cfg.Timer)
	return nil
}

// Cancel turns channel ch off. A pending output is dropped without
// callbacks; a running one is ended immediately, after its start if that is
// still waiting to run. Cancelling an idle channel does nothing.
func (s *Scheduler) Cancel(ch int) error {
	if ch < 0 || ch >= len(s.channels) {
		return fmt.Errorf("%w: %d", ErrChannel, ch)
	}

	tok := s.cs.Enter()
	c := &s.channels[ch]
	switch c.status {
	case Pending:
		c.status = Off
	case Running:
		c.status = Off
		c.ends++
		s.enqueue(c.cur.end)
	}
	c.hasNext = false
	tok.Exit()

	s.run(c.cfg.Timer)
	return nil
}

// CancelAll cancels every channel.
func (s *Scheduler) CancelAll() {
	for i := range s.channels {
		_ = s.Cancel(i)
	}
}

// State returns a copy of channel ch.
func (s *Scheduler) State(ch int) (ChannelState, error) {
	if ch < 0 || ch >= len(s.channels) {
		return ChannelState{}, fmt.Errorf("%w: %d", ErrChannel, ch)
	}
	defer s.cs.Enter().Exit()
	c := &s.channels[ch]
	return ChannelState{
		Name:      c.cfg.Name,
		Kind:      c.cfg.Kind,
		Status:    c.status,
		StartTime: c.cur.at,
		EndTime:   c.endTime,
		Queued:    c.hasNext,
		Starts:    c.starts,
		Ends:      c.ends,
	}, nil
}

// Overruns counts events that were already due when armed and so fired
// immediately.
func (s *Scheduler) Overruns() uint32 {
	defer s.cs.Enter().Exit()
	return s.overruns
}

// run fires every due event on peripheral pi in time order, arms the
// compare for the soonest remaining one, then dispatches the callbacks. It
// is the compare handler.
func (s *Scheduler) run(pi int) {
	tok := s.cs.Enter()
	for {
		if fn, fired := s.fireNext(pi); fired {
			s.enqueue(fn)
			continue
		}
		if !s.rearm(pi) {
			break
		}
	}
	lead := !s.dispatching
	s.dispatching = true
	tok.Exit()

	if lead {
		s.dispatch()
	}
}

// enqueue adds fn to the dispatch queue. Call inside the critical section.
func (s *Scheduler) enqueue(fn Callback) {
	if fn != nil {
		s.queue = append(s.queue, fn)
	}
}

// dispatch runs queued callbacks outside the critical section until the
// queue is empty. Only one dispatcher runs at a time; a run or Cancel that
// finds one active leaves its callbacks to it.
func (s *Scheduler) dispatch() {
	for {
		tok := s.cs.Enter()
		if s.head == len(s.queue) {
			s.queue, s.head = s.queue[:0], 0
			s.dispatching = false
			tok.Exit()
			return
		}
		fn := s.queue[s.head]
		s.queue[s.head] = nil
		s.head++
		tok.Exit()

		fn()
	}
}

// fireNext advances the most overdue channel on pi, lowest index first on
// ties, and returns its callback.
func (s *Scheduler) fireNext(pi int) (Callback, bool) {
	p := s.timers[pi]
	now := p.timer.Now()

	best := -1
	var bestLate int32
	for _, i := range p.channels {
		at, ok := s.channels[i].target()
		if !ok {
			continue
		}
		late := int32(now - at)
		if late < 0 {
			continue
		}
		if best < 0 || late > bestLate {
			best, bestLate = i, late
		}
	}
	if best < 0 {
		return nil, false
	}

	c := &s.channels[best]
	switch c.status {
	case Pending:
		c.status = Running
		c.starts++
		c.endTime = c.cur.at + c.cur.duration
		if int32(c.endTime-now) <= 0 {
			s.overruns++
		}
		return c.cur.start, true
	default: // Running
		c.ends++
		fn := c.cur.end
		if c.hasNext {
			c.cur, c.hasNext = c.next, false
			c.status = Pending
			if int32(c.cur.at-now) <= 0 {
				s.overruns++
			}
		} else {
			c.status = Off
		}
		return fn, true
	}
}

// rearm programs pi's compare for the soonest pending event. Targets beyond
// the counter's reach are approached in maximum-length hops. It reports
// whether the target was reached while arming.
func (s *Scheduler) rearm(pi int) bool {
	p := s.timers[pi]
	now := p.timer.Now()

	var (
		soonest uint32
		dist    uint32
		found   bool
	)
	for _, i := range p.channels {
		at, ok := s.channels[i].target()
		if !ok {
			continue
		}
		if d := at - now; !found || d < dist {
			soonest, dist, found = at, d, true
		}
	}
	if !found {
		p.timer.ClearCompare()
		return false
	}

	if mask := hwtimer.Mask(p.timer.Bits()); dist > mask {
		p.timer.SetCompare(now + mask)
	} else {
		p.timer.SetCompare(soonest)
	}
	return int32(soonest-p.timer.Now()) <= 0
}
