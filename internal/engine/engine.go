// Package engine runs the control loop around the decoder and scheduler.
// Edge handlers feed the decoder; a periodic tick checks for stalls,
// reports state changes as events, and schedules the next output window of
// every idle channel from the current crank angle.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/ecucore/internal/crankmath"
	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/scheduler"
)

// Engine owns one decoder and one scheduler.
type Engine struct {
	dec   *decoder.Decoder
	sched *scheduler.Scheduler
	clock Clock

	plans []plan

	mu            sync.Mutex
	last          decoder.Status
	logReported   bool
	cut           bool
	counts        EventCounts
	startTime     time.Time
	lastHeartbeat time.Time
}

type plan struct {
	ChannelPlan
	on, off scheduler.Callback

	// refreshed is the tooth time the running dwell was last re-projected from.
	refreshed uint32
}

// New binds the decoder and scheduler. Each plan's channel must exist.
func New(dec *decoder.Decoder, sched *scheduler.Scheduler, clock Clock, out Outputs, plans []ChannelPlan, startTime time.Time) (*Engine, error) {
	e := &Engine{
		dec:           dec,
		sched:         sched,
		clock:         clock,
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
	seen := make(map[int]bool)
	for _, p := range plans {
		if p.Channel < 0 || p.Channel >= sched.Channels() {
			return nil, fmt.Errorf("%w: plan for channel %d", scheduler.ErrChannel, p.Channel)
		}
		if seen[p.Channel] {
			return nil, fmt.Errorf("%w: channel %d planned twice", scheduler.ErrMisconfigured, p.Channel)
		}
		seen[p.Channel] = true

		ch := p.Channel
		e.plans = append(e.plans, plan{
			ChannelPlan: p,
			on:          func() { out.Set(ch, true) },
			off:         func() { out.Set(ch, false) },
		})
	}
	e.last = dec.Status()
	return e, nil
}

// Primary forwards a crank edge to the decoder.
func (e *Engine) Primary(now uint32) { e.dec.Primary(now) }

// Secondary forwards a cam edge to the decoder.
func (e *Engine) Secondary(now uint32) { e.dec.Secondary(now) }

// Decoder returns the trigger decoder.
func (e *Engine) Decoder() *decoder.Decoder { return e.dec }

// Scheduler returns the output scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Tick runs the periodic work: stall detection, event reporting and output
// planning. It returns the events raised since the previous tick.
func (e *Engine) Tick(wall time.Time) []Event {
	now := e.clock.Now()
	stalled := e.dec.CheckStall(now)
	st := e.dec.Status()
	logReady := e.dec.ToothLog().Ready()

	e.mu.Lock()
	var events []Event
	add := func(t EventType) {
		events = append(events, Event{
			Timestamp:  wall,
			Type:       t,
			RPM:        st.RPM,
			SyncLosses: st.SyncLossCounter,
			Stalls:     st.StallCount,
		})
	}

	if stalled {
		add(EventStall)
		e.counts.Stall++
	}
	if st.SyncLossCounter != e.last.SyncLossCounter {
		add(EventSyncLost)
		e.counts.SyncLost++
	}
	if st.HasSync && !e.last.HasSync {
		add(EventSyncGained)
		e.counts.SyncGained++
	}
	if logReady && !e.logReported {
		add(EventToothLogReady)
		e.counts.ToothLog++
	}
	e.logReported = logReady
	e.last = st
	cut := e.cut
	e.mu.Unlock()

	if stalled {
		e.sched.CancelAll()
	}
	if st.HasSync && st.RPM > 0 && !cut {
		e.plan(now)
	}
	return events
}

// plan schedules the next window for every idle channel and, once per new
// tooth, moves the spark of a dwelling coil to follow the crank.
func (e *Engine) plan(now uint32) {
	m := e.dec.Math()
	angle := e.dec.CrankAngle(now)
	tooth := e.dec.Timing().LastToothTime

	for i := range e.plans {
		p := &e.plans[i]
		st, err := e.sched.State(p.Channel)
		if err != nil {
			continue
		}
		switch {
		case st.Status == scheduler.Off:
			start := p.Angle - m.TimeToAngle(p.Duration, crankmath.IntervalRev)
			delay := m.AngleToTime(m.IgnitionLimits(start-angle), crankmath.IntervalRev)
			_ = e.sched.Schedule(p.Channel, delay, p.Duration, p.on, p.off)
		case st.Status == scheduler.Running && st.Kind == scheduler.Ignition && tooth != p.refreshed:
			p.refreshed = tooth
			// Past the spark angle the end is already due.
			if rest := m.IgnitionLimits(p.Angle - angle); rest < m.MaxAngle()/2 {
				_ = e.sched.Extend(p.Channel, m.AngleToTime(rest, crankmath.IntervalRev))
			}
		}
	}
}

// Cut stops all outputs until Resume. Running outputs are ended at once.
func (e *Engine) Cut(wall time.Time) Event {
	e.mu.Lock()
	e.cut = true
	e.counts.Cut++
	e.mu.Unlock()

	e.sched.CancelAll()
	return e.event(wall, EventCut)
}

// Resume allows outputs to be scheduled again after Cut.
func (e *Engine) Resume(wall time.Time) Event {
	e.mu.Lock()
	e.cut = false
	e.mu.Unlock()
	return e.event(wall, EventResume)
}

func (e *Engine) event(wall time.Time, t EventType) Event {
	st := e.dec.Status()
	return Event{Timestamp: wall, Type: t, RPM: st.RPM, SyncLosses: st.SyncLossCounter, Stalls: st.StallCount}
}

// IsCut reports whether outputs are cut.
func (e *Engine) IsCut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cut
}

// DrainToothLog returns a completed tooth log capture.
func (e *Engine) DrainToothLog() ([]uint32, bool) {
	return e.dec.ToothLog().Drain()
}

// EventCountsSnapshot returns a copy of the event counters.
func (e *Engine) EventCountsSnapshot() EventCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval is zero or has
// not yet elapsed.
func (e *Engine) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.lastHeartbeat) < interval {
		return nil
	}
	e.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(e.startTime),
		RPM:       e.last.RPM,
		Counts:    e.counts,
	}
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Decoder    decoder.Status
	CrankAngle int32
	Channels   []scheduler.ChannelState
	Overruns   uint32
	Cut        bool
	Counts     EventCounts
}

// Snapshot reads the decoder and every channel.
func (e *Engine) Snapshot() Snapshot {
	now := e.clock.Now()
	s := Snapshot{
		Decoder:    e.dec.Status(),
		CrankAngle: e.dec.CrankAngle(now),
		Overruns:   e.sched.Overruns(),
	}
	for i := range e.sched.Channels() {
		if st, err := e.sched.State(i); err == nil {
			s.Channels = append(s.Channels, st)
		}
	}
	e.mu.Lock()
	s.Cut = e.cut
	s.Counts = e.counts
	e.mu.Unlock()
	return s
}
