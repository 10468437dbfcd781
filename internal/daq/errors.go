package daq

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBiasNotReady is matched by every error reporting a sensor that has not
// determined its bias yet.
var ErrBiasNotReady = errors.New("bias not determined")

// ConfigurationError reports a bad or missing setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// BiasNotReadyError is returned when a sensor is started before its bias
// has been determined.
type BiasNotReadyError struct {
	DeviceID int
}

func (e *BiasNotReadyError) Error() string {
	return fmt.Sprintf("sensor %d: %v", e.DeviceID, ErrBiasNotReady)
}

func (e *BiasNotReadyError) Unwrap() error { return ErrBiasNotReady }

// SensorsNotBiasedError is returned by the recorder when recording is
// requested while one or more sensors lack a bias.
type SensorsNotBiasedError struct {
	DeviceIDs []int
}

func (e *SensorsNotBiasedError) Error() string {
	ids := make([]string, len(e.DeviceIDs))
	for i, id := range e.DeviceIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("sensors can't be started before bias has been determined (sensors %s)", strings.Join(ids, ", "))
}

func (e *SensorsNotBiasedError) Unwrap() error { return ErrBiasNotReady }

// BiasComputationError is returned when bias averaging could not collect
// enough samples within its time budget.
type BiasComputationError struct {
	DeviceID int
	Wanted   int
	Got      int
	Budget   time.Duration
	Err      error
}

func (e *BiasComputationError) Error() string {
	msg := fmt.Sprintf("sensor %d: bias needs %d samples, collected %d within %s", e.DeviceID, e.Wanted, e.Got, e.Budget)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BiasComputationError) Unwrap() error { return e.Err }

// DrainTimeoutError is returned when a worker does not answer a drain or
// control request within its budget.
type DrainTimeoutError struct {
	DeviceID int
	Op       string
	Timeout  time.Duration
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("sensor %d: %s not answered within %s", e.DeviceID, e.Op, e.Timeout)
}

// PeriodMismatchError is returned when the recording periods derived from
// markers disagree with the periods found in the sample timestamps.
type PeriodMismatchError struct {
	DeviceID int
	Markers  int
	Gaps     int
}

func (e *PeriodMismatchError) Error() string {
	return fmt.Sprintf("sensor %d: pauses in DAQ events do not match recording pauses (%d marker periods, %d timestamp periods)",
		e.DeviceID, e.Markers, e.Gaps)
}

// SampleCountError is returned when a period's sample count drifts from the
// count implied by its markers by more than the configured tolerance.
type SampleCountError struct {
	DeviceID int
	Period   int
	Expected int64
	Actual   int64
}

func (e *SampleCountError) Error() string {
	return fmt.Sprintf("sensor %d period %d: expected %d samples, found %d", e.DeviceID, e.Period, e.Expected, e.Actual)
}

// BackendUnavailableError reports a hardware backend that could not be opened.
type BackendUnavailableError struct {
	DeviceID int
	Backend  string
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("sensor %d: backend %q unavailable: %v", e.DeviceID, e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// JoinTimeoutError is returned when an execution context does not stop
// within the shutdown budget.
type JoinTimeoutError struct {
	Context string
	Timeout time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("%s did not stop within %s", e.Context, e.Timeout)
}
