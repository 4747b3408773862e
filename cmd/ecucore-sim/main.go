// Command ecucore-sim runs the decoder, scheduler and engine against a
// synthetic trigger wheel on a simulated timer and prints what the outputs
// did at each speed step.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/sweeney/ecucore/internal/config"
	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/gpio"
	"github.com/sweeney/ecucore/internal/hwtimer"
	"github.com/sweeney/ecucore/internal/scheduler"
	"github.com/sweeney/ecucore/internal/wheel"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults if empty)")
	rpms := flag.String("rpm", "300,900,3000,6500", "Comma-separated speed steps")
	revs := flag.Int("revs", 20, "Revolutions per speed step")
	bits := flag.Uint("bits", 0, "Timer compare width (overrides config)")
	toothLog := flag.Bool("tooth-log", false, "Capture and summarise tooth intervals")

	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*cfgPath); err != nil {
			log.Fatalf("fatal: %v", err)
		}
	}
	if *bits != 0 {
		cfg.Scheduler.TimerBits = *bits
	}
	if *toothLog {
		cfg.Trigger.ToothLog = true
	}

	steps, err := parseSteps(*rpms)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}

	pterm.DefaultHeader.WithFullWidth().Println("ecucore simulator")
	pterm.Info.Printf("%s %d-%d, %d channels, %d-bit timers\n",
		cfg.Trigger.Pattern, cfg.Trigger.Teeth, cfg.Trigger.MissingTeeth,
		len(cfg.Scheduler.Channels), cfg.Scheduler.TimerBits)

	sim, err := newSim(cfg)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	results := make([]stepResult, 0, len(steps))
	for _, rpm := range steps {
		results = append(results, sim.run(rpm, *revs))
	}
	render(cfg, results)

	if cfg.Trigger.ToothLog {
		if gaps, ok := sim.eng.DrainToothLog(); ok {
			renderToothLog(gaps)
		} else {
			pterm.Warning.Println("tooth log not full")
		}
	}
}

func parseSteps(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 || n >= decoder.MaxRPM {
			return nil, fmt.Errorf("bad speed step %q", f)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no speed steps")
	}
	return out, nil
}

// wheelFor builds the synthetic wheel matching the trigger config.
func wheelFor(t config.TriggerConfig) (wheel.Pattern, error) {
	switch decoder.Pattern(t.Pattern) {
	case decoder.MissingTooth:
		return wheel.MissingTooth(t.Teeth, t.MissingTeeth, t.Sequential), nil
	case decoder.DualWheel:
		return wheel.DualWheel(t.Teeth), nil
	case decoder.ToothTable:
		if len(t.ToothAngles) == 0 {
			return wheel.Pattern{}, fmt.Errorf("tooth-table needs tooth_angles")
		}
		return wheel.ToothTable(t.ToothAngles), nil
	}
	return wheel.Pattern{}, fmt.Errorf("no wheel for pattern %q", t.Pattern)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// sim replays wheel edges with a periodic engine tick between them.
type sim struct {
	clock   *hwtimer.Fake
	timers  []*hwtimer.Fake
	eng     *engine.Engine
	outputs *gpio.FakeOutputs
	gen     *wheel.Generator
	names   []string

	tickUs   uint32
	nextTick uint32
}

func newSim(cfg *config.Config) (*sim, error) {
	dcfg, err := cfg.DecoderConfig()
	if err != nil {
		return nil, err
	}
	dec, err := decoder.New(dcfg)
	if err != nil {
		return nil, err
	}
	pattern, err := wheelFor(cfg.Trigger)
	if err != nil {
		return nil, err
	}

	// Each peripheral is its own counter; they are stepped together.
	fakes := make([]*hwtimer.Fake, cfg.Scheduler.Timers)
	timers := make([]hwtimer.Timer, cfg.Scheduler.Timers)
	for i := range fakes {
		fakes[i] = hwtimer.NewFake(cfg.Scheduler.TimerBits)
		timers[i] = fakes[i]
	}
	sched, err := scheduler.New(timers, cfg.SchedulerChannels())
	if err != nil {
		return nil, err
	}
	outputs := gpio.NewFakeOutputs(len(cfg.Scheduler.Channels))
	eng, err := engine.New(dec, sched, fakes[0], outputs, cfg.Plans(), epoch)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cfg.Scheduler.Channels))
	for i, ch := range cfg.Scheduler.Channels {
		names[i] = ch.Name
	}
	tickUs := uint32(cfg.Scheduler.TickMs) * 1000
	return &sim{
		clock:    fakes[0],
		timers:   fakes,
		eng:      eng,
		outputs:  outputs,
		gen:      wheel.NewGenerator(pattern, tickUs),
		names:    names,
		tickUs:   tickUs,
		nextTick: tickUs,
	}, nil
}

// advanceTo steps every timer to at.
func (s *sim) advanceTo(at uint32) {
	d := int32(at - s.clock.Now())
	if d <= 0 {
		return
	}
	for _, t := range s.timers {
		t.Advance(uint32(d))
	}
}

func (s *sim) until(at uint32, events *[]engine.Event) {
	for int32(s.nextTick-at) <= 0 {
		s.advanceTo(s.nextTick)
		wall := epoch.Add(time.Duration(s.nextTick) * time.Microsecond)
		*events = append(*events, s.eng.Tick(wall)...)
		s.nextTick += s.tickUs
	}
	s.advanceTo(at)
}

type stepResult struct {
	RPM      int
	Measured uint16
	Sync     string
	Angle    int32
	Pulses   []int
	Overruns uint32
	Events   []engine.Event
}

// run cranks the wheel at rpm for revs revolutions.
func (s *sim) run(rpm, revs int) stepResult {
	res := stepResult{RPM: rpm, Pulses: make([]int, len(s.names))}
	before := len(s.outputs.History())
	overruns := s.eng.Scheduler().Overruns()

	for _, e := range s.gen.Train(wheel.Period(rpm), revs) {
		s.until(e.At, &res.Events)
		if e.Secondary {
			s.eng.Secondary(e.At)
		} else {
			s.eng.Primary(e.At)
		}
	}
	s.until(s.clock.Now()+s.tickUs, &res.Events)

	for _, c := range s.outputs.History()[before:] {
		if !c.On {
			res.Pulses[c.Channel]++
		}
	}
	snap := s.eng.Snapshot()
	res.Measured = snap.Decoder.RPM
	res.Angle = snap.CrankAngle
	res.Overruns = snap.Overruns - overruns
	switch {
	case !snap.Decoder.HasSync:
		res.Sync = "NONE"
	case snap.Decoder.HalfSync:
		res.Sync = "HALF"
	default:
		res.Sync = "FULL"
	}
	return res
}

func render(cfg *config.Config, results []stepResult) {
	header := []string{"RPM", "Measured", "Error", "Sync", "Angle", "Overruns"}
	for _, ch := range cfg.Scheduler.Channels {
		header = append(header, ch.Name)
	}
	data := pterm.TableData{header}
	for _, r := range results {
		errPct := 100 * (float64(r.Measured) - float64(r.RPM)) / float64(r.RPM)
		row := []string{
			strconv.Itoa(r.RPM),
			strconv.Itoa(int(r.Measured)),
			errorStyle(errPct).Sprintf("%+.2f%%", errPct),
			syncStyle(r.Sync).Sprint(r.Sync),
			strconv.Itoa(int(r.Angle)),
			strconv.Itoa(int(r.Overruns)),
		}
		for _, n := range r.Pulses {
			row = append(row, strconv.Itoa(n))
		}
		data = append(data, row)
	}

	pterm.DefaultSection.Println("Speed steps")
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	pterm.DefaultSection.Println("Events")
	for _, r := range results {
		for _, e := range r.Events {
			pterm.Info.Printf("%5d rpm step: %s (rpm=%d sync_losses=%d stalls=%d)\n",
				r.RPM, e.Type, e.RPM, e.SyncLosses, e.Stalls)
		}
	}
}

func renderToothLog(gaps []uint32) {
	minGap, maxGap := gaps[0], gaps[0]
	var sum uint64
	for _, g := range gaps {
		minGap = min(minGap, g)
		maxGap = max(maxGap, g)
		sum += uint64(g)
	}
	pterm.DefaultSection.Println("Tooth log")
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Gaps", "Min µs", "Max µs", "Mean µs"},
		{
			strconv.Itoa(len(gaps)),
			strconv.Itoa(int(minGap)),
			strconv.Itoa(int(maxGap)),
			strconv.Itoa(int(sum / uint64(len(gaps)))),
		},
	}).Render()
}

func syncStyle(s string) *pterm.Style {
	switch s {
	case "FULL":
		return pterm.NewStyle(pterm.FgGreen)
	case "HALF":
		return pterm.NewStyle(pterm.FgYellow)
	}
	return pterm.NewStyle(pterm.FgRed)
}

func errorStyle(pct float64) *pterm.Style {
	if pct < 0 {
		pct = -pct
	}
	switch {
	case pct <= 1:
		return pterm.NewStyle(pterm.FgGreen)
	case pct <= 5:
		return pterm.NewStyle(pterm.FgYellow)
	}
	return pterm.NewStyle(pterm.FgRed)
}
