package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/scheduler"
	"github.com/sweeney/ecucore/internal/status"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []engine.EventType
}

func (f *fakeControl) Cut(wall time.Time) engine.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, engine.EventCut)
	return engine.Event{Timestamp: wall, Type: engine.EventCut}
}

func (f *fakeControl) Resume(wall time.Time) engine.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, engine.EventResume)
	return engine.Event{Timestamp: wall, Type: engine.EventResume}
}

func newTestServer(t *testing.T, ctl Control) (*httptest.Server, *Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Pattern:      "missing-tooth",
		Teeth:        36,
		MissingTeeth: 1,
		TimerBits:    16,
		HeartbeatMs:  900000,
		Broker:       "tcp://192.168.1.200:1883",
		HTTPAddr:     ":80",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr, ctl)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, srv, tr
}

func synced() engine.Snapshot {
	return engine.Snapshot{
		Decoder:    decoder.Status{HasSync: true, RPM: 2500, SyncLossCounter: 1},
		CrankAngle: 182,
		Channels: []scheduler.ChannelState{
			{Name: "inj1", Kind: scheduler.Fuel, Status: scheduler.Pending},
		},
		Counts: engine.EventCounts{SyncGained: 2, SyncLost: 1},
	}
}

func getStatus(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, _, tr := newTestServer(t, nil)
	tr.Update(synced())
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Sync != "FULL" {
		t.Errorf("Sync: got %q, want FULL", sj.Status.Sync)
	}
	if sj.Status.RPM != 2500 {
		t.Errorf("RPM: got %d, want 2500", sj.Status.RPM)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.MQTT.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("MQTT.Broker: got %q, want tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	}
	if sj.Status.Counts.SyncGained != 2 {
		t.Errorf("Counts.SyncGained: got %d, want 2", sj.Status.Counts.SyncGained)
	}
	if sj.Status.Config.Teeth != 36 {
		t.Errorf("Config.Teeth: got %d, want 36", sj.Status.Config.Teeth)
	}
}

func TestJSONNoSyncBeforeUpdate(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	sj := getStatus(t, ts.URL)
	if sj.Status.Sync != "NONE" {
		t.Errorf("Sync before first tick: got %q, want NONE", sj.Status.Sync)
	}
	if sj.Status.RPM != 0 {
		t.Errorf("RPM before first tick: got %d, want 0", sj.Status.RPM)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	ts, _, tr := newTestServer(t, nil)
	tr.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, ts.URL)
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, _, tr := newTestServer(t, nil)
	tr.Update(synced())

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"2500", "inj1 (fuel)", "PENDING", "missing-tooth 36-1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestControlEndpoints(t *testing.T) {
	ctl := &fakeControl{}
	ts, _, _ := newTestServer(t, ctl)

	for _, path := range []string{"/api/cut", "/api/resume"} {
		resp, err := http.Post(ts.URL+path, "text/plain", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("POST %s: got %d, want 204", path, resp.StatusCode)
		}
	}

	if len(ctl.calls) != 2 || ctl.calls[0] != engine.EventCut || ctl.calls[1] != engine.EventResume {
		t.Errorf("unexpected control calls: %v", ctl.calls)
	}
}

func TestControlRequiresPost(t *testing.T) {
	ctl := &fakeControl{}
	ts, _, _ := newTestServer(t, ctl)

	resp, err := http.Get(ts.URL + "/api/cut")
	if err != nil {
		t.Fatalf("GET /api/cut: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
	if len(ctl.calls) != 0 {
		t.Errorf("GET must not cut outputs, got %v", ctl.calls)
	}
}

func TestControlUnavailable(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/cut", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /api/cut: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", resp.StatusCode)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) status.StatusJSON {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(msg, &sj); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return sj
}

func TestWebsocketBroadcast(t *testing.T) {
	ts, srv, tr := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.Status.Sync != "NONE" {
		t.Errorf("initial frame: got sync %q, want NONE", first.Status.Sync)
	}

	// The client is registered after the first frame is queued.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", srv.Clients())
	}

	tr.Update(synced())
	srv.Broadcast()

	next := readFrame(t, conn)
	if next.Status.RPM != 2500 || next.Status.CrankAngle != 182 {
		t.Errorf("broadcast frame: got rpm %d angle %d", next.Status.RPM, next.Status.CrankAngle)
	}
	if next.Status.Event != "" {
		t.Errorf("broadcast frame should carry no event, got %q", next.Status.Event)
	}
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	ts, srv, _ := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Clients() != 0 {
		t.Errorf("expected client removed after close, got %d", srv.Clients())
	}
	srv.Broadcast()
}

func TestBroadcastWithoutClients(t *testing.T) {
	_, srv, _ := newTestServer(t, nil)
	srv.Broadcast()
	if srv.Clients() != 0 {
		t.Errorf("expected no clients, got %d", srv.Clients())
	}
}

func TestFormatUptime(t *testing.T) {
	cases := map[time.Duration]string{
		0:                              "00:00:00",
		59*time.Second + time.Second/2: "00:00:59",
		3*time.Hour + 4*time.Minute:    "03:04:00",
		50 * time.Hour:                 "2d 02:00:00",
	}
	for d, want := range cases {
		if got := formatUptime(d); got != want {
			t.Errorf("formatUptime(%v): got %q, want %q", d, got, want)
		}
	}
}
