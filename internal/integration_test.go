package internal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sweeney/ecucore/internal/config"
	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/gpio"
	"github.com/sweeney/ecucore/internal/hwtimer"
	"github.com/sweeney/ecucore/internal/mqtt"
	"github.com/sweeney/ecucore/internal/scheduler"
	"github.com/sweeney/ecucore/internal/status"
	"github.com/sweeney/ecucore/internal/wheel"
)

var startTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// origin is where tooth #1 of the first revolution falls.
const origin = 1000

// bench wires config → decoder → scheduler → engine with fake hardware and
// runs the daemon's per-tick work.
type bench struct {
	t         *testing.T
	clock     *hwtimer.Fake
	eng       *engine.Engine
	trigger   *gpio.FakeTrigger
	outputs   *gpio.FakeOutputs
	pulses    map[int][]pulse
	publisher *mqtt.FakePublisher
	tracker   *status.Tracker
	gen       *wheel.Generator
	nextTick  uint32
}

func newBench(t *testing.T, cfg *config.Config, pattern wheel.Pattern) *bench {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	dcfg, err := cfg.DecoderConfig()
	if err != nil {
		t.Fatalf("decoder config: %v", err)
	}
	dec, err := decoder.New(dcfg)
	if err != nil {
		t.Fatalf("decoder.New: %v", err)
	}
	clock := hwtimer.NewFake(cfg.Scheduler.TimerBits)
	sched, err := scheduler.New([]hwtimer.Timer{clock}, cfg.SchedulerChannels())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	timed := &timedOutputs{
		clock:  clock,
		inner:  gpio.NewFakeOutputs(len(cfg.Scheduler.Channels)),
		pulses: map[int][]pulse{},
	}
	eng, err := engine.New(dec, sched, clock, timed, cfg.Plans(), startTime)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	pub := mqtt.NewFakePublisher()
	pub.Connected = true

	return &bench{
		t:         t,
		clock:     clock,
		eng:       eng,
		trigger:   gpio.NewFakeTrigger(eng),
		outputs:   timed.inner,
		pulses:    timed.pulses,
		publisher: pub,
		tracker:   status.NewTracker(startTime, status.Config{Pattern: cfg.Trigger.Pattern, Teeth: cfg.Trigger.Teeth}),
		gen:       wheel.NewGenerator(pattern, origin),
		nextTick:  1000,
	}
}

func (b *bench) advanceTo(at uint32) {
	if d := int32(at - b.clock.Now()); d > 0 {
		b.clock.Advance(uint32(d))
	}
}

// until runs 1ms ticks up to at, publishing what each tick reports.
func (b *bench) until(at uint32) {
	for int32(b.nextTick-at) <= 0 {
		b.advanceTo(b.nextTick)
		wall := startTime.Add(time.Duration(b.nextTick) * time.Microsecond)
		for _, ev := range b.eng.Tick(wall) {
			if err := b.publisher.Publish(ev); err != nil {
				b.t.Fatalf("publish: %v", err)
			}
			if ev.Type == engine.EventToothLogReady {
				if gaps, ok := b.eng.DrainToothLog(); ok {
					b.publisher.PublishToothLog(mqtt.ToothLog{
						Timestamp: wall,
						Gaps:      gaps,
						Dropped:   b.eng.Decoder().ToothLog().Dropped(),
					})
				}
			}
		}
		b.tracker.Update(b.eng.Snapshot())
		b.nextTick += 1000
	}
	b.advanceTo(at)
}

func (b *bench) crank(usPerRev uint32, revs int) {
	for _, e := range b.gen.Train(usPerRev, revs) {
		b.until(e.At)
		if e.Secondary {
			b.trigger.Cam(e.At)
		} else {
			b.trigger.Crank(e.At)
		}
	}
}

func (b *bench) published(typ engine.EventType) int {
	n := 0
	for _, e := range b.publisher.Events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type pulse struct{ on, off uint32 }

// timedOutputs stamps each output change with the timer count.
type timedOutputs struct {
	clock  *hwtimer.Fake
	inner  *gpio.FakeOutputs
	pulses map[int][]pulse
}

func (o *timedOutputs) Set(ch int, on bool) {
	o.inner.Set(ch, on)
	now := o.clock.Now()
	if on {
		o.pulses[ch] = append(o.pulses[ch], pulse{on: now})
		return
	}
	if p := o.pulses[ch]; len(p) > 0 && p[len(p)-1].off == 0 {
		p[len(p)-1].off = now
	}
}

func TestIntegrationFullFlow(t *testing.T) {
	cfg := config.DefaultConfig()
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, false))

	const usPerRev = 24_000 // 2500 RPM
	b.crank(usPerRev, 8)

	if got := b.published(engine.EventSyncGained); got != 1 {
		t.Fatalf("expected 1 SYNC_GAINED, got %d", got)
	}
	if got := b.published(engine.EventSyncLost); got != 0 {
		t.Errorf("expected no SYNC_LOST, got %d", got)
	}

	var payload mqtt.Payload
	if err := json.Unmarshal(b.publisher.Payloads[0], &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if payload.ECU.Event != "SYNC_GAINED" {
		t.Errorf("payload event: got %q", payload.ECU.Event)
	}

	snap := b.tracker.Snapshot()
	if rpm := int(snap.Engine.Decoder.RPM); rpm < 2475 || rpm > 2525 {
		t.Errorf("tracker RPM: got %d, want 2500 within 1%%", rpm)
	}

	// ign1 ends at 345 degrees: 23000µs into the revolution.
	ign := b.pulses[1]
	if len(ign) < 4 {
		t.Fatalf("expected at least 4 ignition pulses, got %d", len(ign))
	}
	for i, p := range ign {
		if p.off == 0 {
			continue
		}
		offset := (p.off - origin) % usPerRev
		if offset < 22700 || offset > 23300 {
			t.Errorf("pulse %d: ends %dµs into the revolution, want about 23000", i, offset)
		}
		if w := p.off - p.on; w < 2400 || w > 2700 {
			t.Errorf("pulse %d: dwell %dµs, want 2500", i, w)
		}
	}
	if len(b.pulses[0]) < 4 {
		t.Errorf("expected at least 4 fuel pulses, got %d", len(b.pulses[0]))
	}
	if o := b.eng.Scheduler().Overruns(); o != 0 {
		t.Errorf("expected no overruns, got %d", o)
	}
}

func TestIntegrationNoOutputsBeforeSync(t *testing.T) {
	cfg := config.DefaultConfig()
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, false))

	// Half a revolution: no gap seen yet.
	for _, e := range b.gen.Revolution(24_000)[:17] {
		b.until(e.At)
		b.trigger.Crank(e.At)
	}
	b.until(b.clock.Now() + 5000)

	if len(b.outputs.History()) != 0 {
		t.Errorf("outputs changed before sync: %+v", b.outputs.History())
	}
	if len(b.publisher.Events) != 0 {
		t.Errorf("expected no events before sync, got %+v", b.publisher.Events)
	}
	if s := status.SyncState(b.tracker.Snapshot()); s != "NONE" {
		t.Errorf("sync: got %s, want NONE", s)
	}
}

func TestIntegrationStall(t *testing.T) {
	cfg := config.DefaultConfig()
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, false))
	b.crank(24_000, 4)

	// Engine stops: ticks continue with no teeth.
	b.until(b.clock.Now() + 200_000)

	if got := b.published(engine.EventStall); got != 1 {
		t.Fatalf("expected 1 STALL, got %d", got)
	}
	for ch := range cfg.Scheduler.Channels {
		if b.outputs.State(ch) {
			t.Errorf("channel %d left on after stall", ch)
		}
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(status.FormatJSON(b.tracker.Snapshot()), &sj); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if sj.Status.Sync != "NONE" || sj.Status.RPM != 0 {
		t.Errorf("status after stall: sync %s rpm %d", sj.Status.Sync, sj.Status.RPM)
	}
	if sj.Status.Decoder.Stalls != 1 || sj.Status.Counts.Stall != 1 {
		t.Errorf("stall counters: decoder %d events %d", sj.Status.Decoder.Stalls, sj.Status.Counts.Stall)
	}

	// Restart resyncs.
	b.gen = wheel.NewGenerator(wheel.MissingTooth(36, 1, false), b.clock.Now()+1000)
	b.crank(24_000, 3)
	if got := b.published(engine.EventSyncGained); got != 2 {
		t.Errorf("expected resync after restart, got %d SYNC_GAINED", got)
	}
}

func TestIntegrationToothLog(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Trigger.ToothLog = true
	cfg.Trigger.ToothLogSize = 64
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, false))

	b.crank(36_000, 2)
	b.until(b.clock.Now() + 2000)

	if len(b.publisher.ToothLogs) != 1 {
		t.Fatalf("expected 1 tooth log, got %d", len(b.publisher.ToothLogs))
	}
	payload, err := mqtt.FormatToothLogPayload(b.publisher.ToothLogs[0])
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var parsed mqtt.ToothLogPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.ToothLog.Count != 64 {
		t.Errorf("expected 64 gaps, got %d", parsed.ToothLog.Count)
	}
	var gapTeeth int
	for _, g := range parsed.ToothLog.GapsUs {
		if g == 2000 {
			gapTeeth++
		}
	}
	if gapTeeth != 1 {
		t.Errorf("expected the missing tooth gap once in the capture, got %d", gapTeeth)
	}
}

func TestIntegrationSequential(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Trigger.Sequential = true
	cfg.GPIO.Secondary = gpio.DefaultPinSecondary
	cfg.Scheduler.Channels = []config.ChannelConfig{
		{Name: "inj1", Kind: "fuel", Pin: 22, Angle: 600, DurationUs: 3000},
	}
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, true))

	b.crank(24_000, 4)
	before := len(b.outputs.History())
	b.crank(24_000, 8)

	if d := b.eng.Decoder().MaxAngle(); d != 720 {
		t.Errorf("max angle: got %d, want 720", d)
	}
	var pulses int
	for _, c := range b.outputs.History()[before:] {
		if !c.On {
			pulses++
		}
	}
	// one injection per 720 degree cycle
	if pulses < 3 || pulses > 5 {
		t.Errorf("expected about 4 pulses over 8 revolutions, got %d", pulses)
	}
}

func TestIntegrationCutResume(t *testing.T) {
	cfg := config.DefaultConfig()
	b := newBench(t, cfg, wheel.MissingTooth(36, 1, false))
	b.crank(24_000, 4)

	b.publisher.Publish(b.eng.Cut(startTime))
	before := len(b.outputs.History())
	b.crank(24_000, 4)
	if n := len(b.outputs.History()) - before; n != 0 {
		t.Errorf("outputs changed %d times while cut", n)
	}

	b.publisher.Publish(b.eng.Resume(startTime))
	b.crank(24_000, 4)
	if len(b.outputs.History()) == before {
		t.Error("outputs did not resume")
	}
	if b.published(engine.EventCut) != 1 || b.published(engine.EventResume) != 1 {
		t.Errorf("expected CUT and RESUME published, got %+v", b.publisher.Events)
	}
}
