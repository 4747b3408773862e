// Command ecucore decodes a crank trigger wheel from GPIO edges and drives
// injector and coil outputs at configured crank angles. Decoder events and
// status are published to MQTT and served over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/ecucore/internal/config"
	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/gpio"
	"github.com/sweeney/ecucore/internal/hwtimer"
	"github.com/sweeney/ecucore/internal/mqtt"
	"github.com/sweeney/ecucore/internal/scheduler"
	"github.com/sweeney/ecucore/internal/status"
	"github.com/sweeney/ecucore/internal/web"
)

// broadcastInterval limits how often websocket clients get a status frame.
const broadcastInterval = 100 * time.Millisecond

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "Path to YAML config")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	heartbeat := flag.Duration("heartbeat", -1, "Heartbeat interval (overrides config, 0 disables)")
	printState := flag.Bool("print-state", false, "Print trigger input levels and exit")
	noLock := flag.Bool("no-mlock", false, "Do not lock process memory")

	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = *httpAddr
	}
	if *heartbeat >= 0 {
		cfg.MQTT.HeartbeatMs = heartbeat.Milliseconds()
	}

	if err := run(cfg, *printState, !*noLock); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config, printState, lock bool) error {
	if lock {
		if err := lockMemory(); err != nil {
			log.Printf("mlock: %v (continuing)", err)
		}
	}

	eng, outputs, err := buildEngine(cfg, time.Now())
	if err != nil {
		return err
	}
	defer outputs.Close()

	trigger, err := gpio.NewRealTrigger(cfg.TriggerInput(), eng)
	if err != nil {
		return fmt.Errorf("init trigger: %w", err)
	}
	defer trigger.Close()

	// Print state mode
	if printState {
		primary, secondary, err := trigger.Levels()
		if err != nil {
			return fmt.Errorf("read trigger: %w", err)
		}
		fmt.Printf("primary: %s, secondary: %s\n", levelString(primary), levelString(secondary))
		return nil
	}

	// Initialize MQTT
	publisher := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID)
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	tracker.Update(eng.Snapshot())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	d := &daemon{
		eng:        eng,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		heartbeat:  time.Duration(cfg.MQTT.HeartbeatMs) * time.Millisecond,
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, &control{eng: eng, publisher: publisher})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		d.web = srv
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: pattern=%s teeth=%d missing=%d channels=%d broker=%s heartbeat=%v",
		cfg.Trigger.Pattern, cfg.Trigger.Teeth, cfg.Trigger.MissingTeeth,
		len(cfg.Scheduler.Channels), cfg.MQTT.Broker, d.heartbeat)

	ticker := time.NewTicker(time.Duration(cfg.Scheduler.TickMs) * time.Millisecond)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(d, time.Now, ticker.C, sigCh)
}

// buildEngine wires the decoder and scheduler to host timers and the output
// pins.
func buildEngine(cfg *config.Config, start time.Time) (*engine.Engine, gpio.Outputs, error) {
	dcfg, err := cfg.DecoderConfig()
	if err != nil {
		return nil, nil, err
	}
	dec, err := decoder.New(dcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init decoder: %w", err)
	}

	timers := make([]hwtimer.Timer, cfg.Scheduler.Timers)
	for i := range timers {
		timers[i] = hwtimer.NewReal()
	}
	sched, err := scheduler.New(timers, cfg.SchedulerChannels())
	if err != nil {
		return nil, nil, fmt.Errorf("init scheduler: %w", err)
	}

	outputs, err := gpio.NewRealOutputs(cfg.GPIO.Chip, cfg.Pins())
	if err != nil {
		return nil, nil, fmt.Errorf("init outputs: %w", err)
	}

	eng, err := engine.New(dec, sched, timers[0], outputs, cfg.Plans(), start)
	if err != nil {
		outputs.Close()
		return nil, nil, fmt.Errorf("init engine: %w", err)
	}
	return eng, outputs, nil
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		Pattern:      cfg.Trigger.Pattern,
		Teeth:        cfg.Trigger.Teeth,
		MissingTeeth: cfg.Trigger.MissingTeeth,
		Sequential:   cfg.Trigger.Sequential,
		TimerBits:    32,
		TickMs:       cfg.Scheduler.TickMs,
		HeartbeatMs:  cfg.MQTT.HeartbeatMs,
		Broker:       cfg.MQTT.Broker,
		HTTPAddr:     cfg.HTTP.Addr,
	}
}

// broadcaster pushes status to live web clients.
type broadcaster interface {
	Broadcast()
}

// daemon holds what the main loop touches on every tick.
type daemon struct {
	eng        *engine.Engine
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	web        broadcaster
	heartbeat  time.Duration

	lastBroadcast time.Time
}

func runLoop(d *daemon, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			d.shutdown(s, now())
			return nil
		case <-tick:
			d.tick(now())
		}
	}
}

// tick runs the engine's periodic work and reports what changed.
func (d *daemon) tick(t time.Time) {
	for _, event := range d.eng.Tick(t) {
		log.Printf("event: %s (rpm=%d sync_losses=%d stalls=%d)", event.Type, event.RPM, event.SyncLosses, event.Stalls)
		if err := d.publisher.Publish(event); err != nil {
			log.Printf("publish error: %v", err)
			// Don't crash on publish failure
		}
		if event.Type == engine.EventToothLogReady {
			d.publishToothLog(t)
		}
	}

	// Check for heartbeat
	if hbData := d.eng.CheckHeartbeat(t, d.heartbeat); hbData != nil {
		log.Printf("heartbeat: uptime=%v rpm=%d sync_gained=%d sync_lost=%d stalls=%d",
			hbData.Uptime, hbData.RPM, hbData.Counts.SyncGained, hbData.Counts.SyncLost, hbData.Counts.Stall)

		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			d.tracker.SetNetwork(net)
		}
		d.refresh()
		snap := d.tracker.Snapshot()
		hbEvent := mqtt.SystemEvent{
			Timestamp:  hbData.Timestamp,
			Event:      "HEARTBEAT",
			RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
		}
		if err := d.publisher.PublishSystem(hbEvent); err != nil {
			log.Printf("heartbeat publish error: %v", err)
		}
	}

	// Update status tracker for HTTP consumers
	d.refresh()
	if d.web != nil && t.Sub(d.lastBroadcast) >= broadcastInterval {
		d.lastBroadcast = t
		d.web.Broadcast()
	}
}

func (d *daemon) publishToothLog(t time.Time) {
	gaps, ok := d.eng.DrainToothLog()
	if !ok {
		return
	}
	capture := mqtt.ToothLog{
		Timestamp: t,
		Gaps:      gaps,
		Dropped:   d.eng.Decoder().ToothLog().Dropped(),
	}
	if err := d.publisher.PublishToothLog(capture); err != nil {
		log.Printf("tooth log publish error: %v", err)
	}
}

func (d *daemon) refresh() {
	d.tracker.Update(d.eng.Snapshot())
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

// shutdown stops every output and publishes the SHUTDOWN event.
func (d *daemon) shutdown(s os.Signal, t time.Time) {
	log.Printf("received %v, shutting down", s)
	d.eng.Scheduler().CancelAll()

	signalName := "UNKNOWN"
	if s == syscall.SIGINT {
		signalName = "SIGINT"
	} else if s == syscall.SIGTERM {
		signalName = "SIGTERM"
	}
	d.refresh()
	snap := d.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  t,
		Event:      "SHUTDOWN",
		Reason:     signalName,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
	}
	if err := d.publisher.PublishSystem(event); err != nil {
		log.Printf("failed to publish shutdown event: %v", err)
	} else {
		log.Printf("published shutdown event")
	}
}

// control publishes operator cut and resume requests from the web server.
type control struct {
	eng       *engine.Engine
	publisher mqtt.Publisher
}

func (c *control) Cut(wall time.Time) engine.Event {
	return c.publish(c.eng.Cut(wall))
}

func (c *control) Resume(wall time.Time) engine.Event {
	return c.publish(c.eng.Resume(wall))
}

func (c *control) publish(ev engine.Event) engine.Event {
	log.Printf("event: %s (rpm=%d)", ev.Type, ev.RPM)
	if err := c.publisher.Publish(ev); err != nil {
		log.Printf("publish error: %v", err)
	}
	return ev
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

func levelString(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}
