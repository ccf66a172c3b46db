// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/rack-monitor/internal/lifecycle"
)

// Topic is the MQTT topic for rack lifecycle events.
const Topic = "rack/monitor/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "rack/monitor/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a rack lifecycle event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event lifecycle.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

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

// Payload represents the MQTT message payload structure.
type Payload struct {
	Rack RackPayload `json:"rack"`
}

// RackPayload contains the lifecycle event details.
type RackPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Session   string `json:"session,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// FormatPayload creates the JSON payload for a lifecycle event. Timestamps
// carry milliseconds because several transitions share a poll second.
func FormatPayload(event lifecycle.Event) ([]byte, error) {
	payload := Payload{
		Rack: RackPayload{
			Timestamp: event.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Event:     string(event.Kind),
			Session:   event.Session,
			From:      event.From,
			To:        event.To,
			Detail:    event.Detail,
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
