// Package telemetry defines the typed event structs that flow over the
// WebSocket connection between forcedaqd and its clients.
package telemetry

import (
	"slices"
	"time"

	"github.com/large-farva/forcedaq/internal/daq"
)

// EventType identifies the kind of WebSocket event.
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventState     EventType = "state"
	EventLog       EventType = "log"
	EventDrain     EventType = "drain"
	EventExternal  EventType = "event"
	EventLive      EventType = "live"
)

// Event is the base envelope shared by every event type.
type Event struct {
	Type      EventType `json:"type"`
	TS        string    `json:"ts"`
	Component string    `json:"component,omitempty"`
}

// NowTS returns the current UTC time as an RFC 3339 nano string, matching the
// timestamp format used across all events.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEvent stamps an envelope.
func NewEvent(t EventType, component string) Event {
	return Event{Type: t, TS: NowTS(), Component: component}
}

// Heartbeat is sent periodically so clients can detect connectivity and
// monitor daemon uptime.
type Heartbeat struct {
	Event
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"clients"`
}

// StateTransition is emitted whenever the recorder moves between states
// (e.g. PAUSED -> RECORDING).
type StateTransition struct {
	Event
	From string `json:"from"`
	To   string `json:"to"`
}

// LogLine carries a human-readable log message at a severity level.
type LogLine struct {
	Event
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Drain summarizes what a pause wrote to the log. Latest holds the most
// recent sample of every sensor that delivered data.
type Drain struct {
	Event
	Samples int          `json:"samples"`
	Events  int          `json:"events"`
	Markers int          `json:"markers"`
	Latest  []daq.Sample `json:"latest,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// External relays an external event as it was taken off the channel.
type External struct {
	Event
	Time             int64  `json:"time"`
	Payload          string `json:"payload"`
	IsControlCommand bool   `json:"is_control_command"`
}

// Live carries the most recent calibrated sample of every polling sensor.
// It is sent periodically while recording.
type Live struct {
	Event
	Sensors []daq.Sample `json:"sensors"`
}

// Summarize counts the records of a drain and picks the latest sample per
// sensor, ordered by device id.
func Summarize(recs []daq.Record) Drain {
	d := NewDrainEvent()
	latest := map[int]daq.Sample{}
	var order []int
	for _, rec := range recs {
		switch v := rec.(type) {
		case daq.Sample:
			d.Samples++
			if _, seen := latest[v.DeviceID]; !seen {
				order = append(order, v.DeviceID)
			}
			if cur, ok := latest[v.DeviceID]; !ok || v.Time >= cur.Time {
				latest[v.DeviceID] = v
			}
		case daq.ExternalEvent:
			d.Events++
		case daq.MarkerEvent:
			d.Markers++
		}
	}
	slices.Sort(order)
	for _, id := range order {
		d.Latest = append(d.Latest, latest[id])
	}
	return d
}

// NewDrainEvent returns an empty drain envelope.
func NewDrainEvent() Drain {
	return Drain{Event: NewEvent(EventDrain, "recorder")}
}
