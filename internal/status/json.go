package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Sync          string        `json:"sync"`
	RPM           uint16        `json:"rpm"`
	CrankAngle    int32         `json:"crank_angle"`
	Cut           bool          `json:"cut"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	Decoder       DecoderJSON   `json:"decoder"`
	Channels      []ChannelJSON `json:"channels"`
	Overruns      uint32        `json:"overruns"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Counts        CountsJSON    `json:"event_counts"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// DecoderJSON reports decoder counters.
type DecoderJSON struct {
	Tooth            int    `json:"tooth"`
	RevolutionOne    bool   `json:"revolution_one"`
	StartRevolutions uint32 `json:"start_revolutions"`
	SyncLosses       uint32 `json:"sync_losses"`
	Stalls           uint32 `json:"stalls"`
	DebounceRejects  uint32 `json:"debounce_rejects"`
	ToothLogDropped  uint32 `json:"tooth_log_dropped"`
	FilterUs         uint32 `json:"filter_us"`
	MaxAngle         int32  `json:"max_angle"`
}

// ChannelJSON is one scheduler channel.
type ChannelJSON struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Queued bool   `json:"queued"`
	Starts uint32 `json:"starts"`
	Ends   uint32 `json:"ends"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	SyncGained int `json:"sync_gained"`
	SyncLost   int `json:"sync_lost"`
	Stall      int `json:"stall"`
	ToothLog   int `json:"tooth_log"`
	Cut        int `json:"cut"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Pattern      string `json:"pattern"`
	Teeth        int    `json:"teeth"`
	MissingTeeth int    `json:"missing_teeth,omitempty"`
	Sequential   bool   `json:"sequential"`
	TimerBits    uint   `json:"timer_bits"`
	TickMs       int64  `json:"tick_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	Broker       string `json:"broker"`
	HTTPAddr     string `json:"http_addr"`
}

// SyncState names the decoder's sync level.
func SyncState(snap Snapshot) string {
	d := snap.Engine.Decoder
	switch {
	case !d.HasSync:
		return "NONE"
	case d.HalfSync:
		return "HALF"
	}
	return "FULL"
}

func buildInner(snap Snapshot) StatusInner {
	es := snap.Engine
	d := es.Decoder

	channels := make([]ChannelJSON, 0, len(es.Channels))
	for _, c := range es.Channels {
		channels = append(channels, ChannelJSON{
			Name:   c.Name,
			Kind:   c.Kind.String(),
			Status: c.Status.String(),
			Queued: c.Queued,
			Starts: c.Starts,
			Ends:   c.Ends,
		})
	}

	return StatusInner{
		Sync:          SyncState(snap),
		RPM:           d.RPM,
		CrankAngle:    es.CrankAngle,
		Cut:           es.Cut,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Decoder: DecoderJSON{
			Tooth:            d.ToothCurrentCount,
			RevolutionOne:    d.RevolutionOne,
			StartRevolutions: d.StartRevolutions,
			SyncLosses:       d.SyncLossCounter,
			Stalls:           d.StallCount,
			DebounceRejects:  d.DebounceRejects,
			ToothLogDropped:  d.ToothLogDropped,
			FilterUs:         d.FilterTime,
			MaxAngle:         d.MaxAngle,
		},
		Channels: channels,
		Overruns: es.Overruns,
		MQTT:     MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			SyncGained: es.Counts.SyncGained,
			SyncLost:   es.Counts.SyncLost,
			Stall:      es.Counts.Stall,
			ToothLog:   es.Counts.ToothLog,
			Cut:        es.Counts.Cut,
		},
		Config: ConfigJSON{
			Pattern:      snap.Config.Pattern,
			Teeth:        snap.Config.Teeth,
			MissingTeeth: snap.Config.MissingTeeth,
			Sequential:   snap.Config.Sequential,
			TimerBits:    snap.Config.TimerBits,
			TickMs:       snap.Config.TickMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			Broker:       snap.Config.Broker,
			HTTPAddr:     snap.Config.HTTPAddr,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
