// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/ecucore/internal/engine"
)

// Topic is the MQTT topic for engine events.
const Topic = "ecu/core/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "ecu/core/system"

// TopicToothLog is the MQTT topic for tooth interval captures.
const TopicToothLog = "ecu/core/toothlog"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends an engine event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event engine.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// PublishToothLog sends a completed tooth log capture.
	PublishToothLog(capture ToothLog) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// ToothLog is one drained tooth log capture.
type ToothLog struct {
	Timestamp time.Time
	Gaps      []uint32 // µs, oldest first
	Dropped   uint32   // intervals overwritten unread since startup
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	ECU EventPayload `json:"ecu"`
}

// EventPayload contains the engine event details.
type EventPayload struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	RPM        uint16 `json:"rpm"`
	SyncLosses uint32 `json:"sync_losses"`
	Stalls     uint32 `json:"stalls"`
}

// FormatPayload creates the JSON payload for an engine event.
func FormatPayload(event engine.Event) ([]byte, error) {
	payload := Payload{
		ECU: EventPayload{
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
			Event:      string(event.Type),
			RPM:        event.RPM,
			SyncLosses: event.SyncLosses,
			Stalls:     event.Stalls,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// ToothLogPayload is the MQTT payload for a tooth log capture.
type ToothLogPayload struct {
	ToothLog ToothLogInner `json:"tooth_log"`
}

// ToothLogInner contains the capture.
type ToothLogInner struct {
	Timestamp string   `json:"timestamp"`
	Count     int      `json:"count"`
	GapsUs    []uint32 `json:"gaps_us"`
	Dropped   uint32   `json:"dropped"`
}

// FormatToothLogPayload creates the JSON payload for a tooth log capture.
func FormatToothLogPayload(capture ToothLog) ([]byte, error) {
	gaps := capture.Gaps
	if gaps == nil {
		gaps = []uint32{}
	}
	return json.Marshal(ToothLogPayload{
		ToothLog: ToothLogInner{
			Timestamp: capture.Timestamp.UTC().Format(time.RFC3339),
			Count:     len(gaps),
			GapsUs:    gaps,
			Dropped:   capture.Dropped,
		},
	})
}
