// Package daq defines the records that flow through the acquisition pipeline:
// force samples, marker events, and external events, plus the error types
// shared by every stage from sampling to offline reconciliation.
package daq

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved tags of the line-oriented log format.
const (
	TagComment = "#"
	TagMarker  = TagComment + "T"
	TagEvent   = TagComment + "UDP"

	// RemoteCommandPrefix marks external events that are remote-control
	// commands rather than experiment data.
	RemoteCommandPrefix = "$cmd"
)

// Marker codes the recorder writes on behalf of each sensor.
const (
	MarkerStarted = "started"
	MarkerPause   = "pause"
)

// ForceNames are the column names of the six force/torque channels, in order.
var ForceNames = [6]string{"Fx", "Fy", "Fz", "Tx", "Ty", "Tz"}

// Record is a single item of the recording stream. It is a closed set:
// Sample, MarkerEvent, and ExternalEvent are the only implementations.
type Record interface {
	record()
	// Timestamp returns the record's time in milliseconds.
	Timestamp() int64
}

// Sample is one timestamped force/torque reading of a sensor.
type Sample struct {
	DeviceID int        `json:"device_id"`
	Time     int64      `json:"time"`
	Delay    int64      `json:"delay"`
	Forces   [6]float64 `json:"forces"`
	Trigger  [2]float64 `json:"trigger"`
}

// MarkerEvent is an application-inserted tag such as "started:1".
type MarkerEvent struct {
	Time int64  `json:"time"`
	Code string `json:"code"`
}

// ExternalEvent is a text event received from outside the process. Time is
// the local arrival time, never a remote clock.
type ExternalEvent struct {
	Time             int64  `json:"time"`
	Payload          string `json:"payload"`
	IsControlCommand bool   `json:"is_control_command"`
}

func (Sample) record()        {}
func (MarkerEvent) record()   {}
func (ExternalEvent) record() {}

func (s Sample) Timestamp() int64        { return s.Time }
func (m MarkerEvent) Timestamp() int64   { return m.Time }
func (e ExternalEvent) Timestamp() int64 { return e.Time }

// StartedMarker returns the marker written when a sensor starts polling.
func StartedMarker(deviceID int, t int64) MarkerEvent {
	return MarkerEvent{Time: t, Code: fmt.Sprintf("%s:%d", MarkerStarted, deviceID)}
}

// PauseMarker returns the marker written when a sensor pauses.
func PauseMarker(deviceID int, t int64) MarkerEvent {
	return MarkerEvent{Time: t, Code: fmt.Sprintf("%s:%d", MarkerPause, deviceID)}
}

// ParseMarkerCode splits a code of the form "<kind>:<device id>". ok is false
// when the code carries no device id.
func ParseMarkerCode(code string) (kind string, deviceID int, ok bool) {
	kind, idStr, found := strings.Cut(code, ":")
	if !found {
		return code, 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil {
		return kind, 0, false
	}
	return kind, id, true
}

// IsControlPayload reports whether payload is a remote-control command.
func IsControlPayload(payload string) bool {
	return strings.HasPrefix(payload, RemoteCommandPrefix)
}
