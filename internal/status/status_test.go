package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/scheduler"
)

func running() engine.Snapshot {
	return engine.Snapshot{
		Decoder: decoder.Status{
			HasSync:           true,
			RPM:               3000,
			ToothCurrentCount: 7,
			SyncLossCounter:   2,
			StallCount:        1,
			DebounceRejects:   4,
			ToothLogDropped:   12,
			FilterTime:        250,
			MaxAngle:          360,
		},
		CrankAngle: 61,
		Channels: []scheduler.ChannelState{
			{Name: "inj1", Kind: scheduler.Fuel, Status: scheduler.Running, Starts: 10, Ends: 9},
			{Name: "ign1", Kind: scheduler.Ignition, Status: scheduler.Pending, Queued: true, Starts: 10, Ends: 10},
		},
		Overruns: 3,
		Counts:   engine.EventCounts{SyncGained: 3, SyncLost: 2, Stall: 1},
	}
}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Pattern: "missing-tooth", Teeth: 36, MissingTeeth: 1, Broker: "tcp://localhost:1883", HTTPAddr: ":80"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.Teeth != 36 {
		t.Errorf("Config.Teeth: got %d, want 36", snap.Config.Teeth)
	}
	if snap.Config.HTTPAddr != ":80" {
		t.Errorf("Config.HTTPAddr: got %q, want %q", snap.Config.HTTPAddr, ":80")
	}
	if snap.Engine.Decoder.HasSync {
		t.Error("expected no sync initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.Update(running())

	snap := tr.Snapshot()
	if snap.Engine.Decoder.RPM != 3000 {
		t.Errorf("RPM: got %d, want 3000", snap.Engine.Decoder.RPM)
	}
	if len(snap.Engine.Channels) != 2 {
		t.Fatalf("Channels: got %d, want 2", len(snap.Engine.Channels))
	}
	if snap.Engine.Counts.SyncGained != 3 {
		t.Errorf("Counts.SyncGained: got %d, want 3", snap.Engine.Counts.SyncGained)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"})

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	es := running()
	tr.Update(es)

	snap1 := tr.Snapshot()
	snap1.Engine.Channels[0].Name = "changed"

	es.Decoder.RPM = 900
	tr.Update(es)

	if snap1.Engine.Decoder.RPM != 3000 {
		t.Error("snapshot should be a copy; RPM was modified")
	}
	if es.Channels[0].Name != "inj1" {
		t.Error("snapshot channels should not alias tracker state")
	}
}

func TestSyncState(t *testing.T) {
	cases := []struct {
		name string
		st   decoder.Status
		want string
	}{
		{"none", decoder.Status{}, "NONE"},
		{"full", decoder.Status{HasSync: true}, "FULL"},
		{"half", decoder.Status{HasSync: true, HalfSync: true}, "HALF"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SyncState(Snapshot{Engine: engine.Snapshot{Decoder: tc.st}})
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Engine:        running(),
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Pattern: "missing-tooth", Teeth: 36, MissingTeeth: 1, HeartbeatMs: 900000, Broker: "tcp://localhost:1883", HTTPAddr: ":80"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	s := parsed.Status
	if s.Sync != "FULL" {
		t.Errorf("Sync: got %q, want FULL", s.Sync)
	}
	if s.RPM != 3000 {
		t.Errorf("RPM: got %d, want 3000", s.RPM)
	}
	if s.CrankAngle != 61 {
		t.Errorf("CrankAngle: got %d, want 61", s.CrankAngle)
	}
	if s.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", s.UptimeSeconds)
	}
	if !s.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if s.Decoder.Tooth != 7 || s.Decoder.SyncLosses != 2 || s.Decoder.DebounceRejects != 4 {
		t.Errorf("unexpected decoder block: %+v", s.Decoder)
	}
	if s.Decoder.ToothLogDropped != 12 {
		t.Errorf("ToothLogDropped: got %d, want 12", s.Decoder.ToothLogDropped)
	}
	if s.Overruns != 3 {
		t.Errorf("Overruns: got %d, want 3", s.Overruns)
	}
	if len(s.Channels) != 2 {
		t.Fatalf("Channels: got %d, want 2", len(s.Channels))
	}
	if s.Channels[0].Kind != "fuel" || s.Channels[0].Status != "RUNNING" {
		t.Errorf("unexpected channel 0: %+v", s.Channels[0])
	}
	if s.Channels[1].Kind != "ignition" || s.Channels[1].Status != "PENDING" || !s.Channels[1].Queued {
		t.Errorf("unexpected channel 1: %+v", s.Channels[1])
	}
	if s.Counts.SyncLost != 2 {
		t.Errorf("Counts.SyncLost: got %d, want 2", s.Counts.SyncLost)
	}
	if s.Config.Pattern != "missing-tooth" || s.Config.Teeth != 36 {
		t.Errorf("unexpected config block: %+v", s.Config)
	}
	// Event and Reason should be omitted
	if s.Event != "" {
		t.Errorf("expected empty Event for web format, got %q", s.Event)
	}
	if s.Reason != "" {
		t.Errorf("expected empty Reason for web format, got %q", s.Reason)
	}
}

func TestFormatJSONNoChannels(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	chans, ok := raw["status"]["channels"].([]interface{})
	if !ok || len(chans) != 0 {
		t.Errorf("channels should be an empty array, got %v", raw["status"]["channels"])
	}
	if raw["status"]["sync"] != "NONE" {
		t.Errorf("sync: got %v, want NONE", raw["status"]["sync"])
	}
}

func TestFormatStatusEvent(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Engine:        running(),
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "HEARTBEAT", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.RPM != 3000 {
		t.Errorf("RPM: got %d, want 3000", parsed.Status.RPM)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(30 * time.Minute),
		Config:    Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		Network:   &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			es := running()
			es.Decoder.RPM = uint16(i)
			tr.Update(es)
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
