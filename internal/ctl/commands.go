package ctl

import (
	"errors"
	"fmt"

	"github.com/large-farva/forcedaq/internal/control"
)

// ErrRefused is returned when the daemon answered but did not carry out
// the command. The reason has already been printed.
var ErrRefused = errors.New("command refused")

// run posts a command and prints its result.
func run(baseURL, path string, body any, okLabel string, jsonOutput bool) (control.CommandResult, error) {
	res, err := postCommand(baseURL, path, body)
	if err != nil {
		return res, err
	}
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return res, err
		}
	} else {
		msg := res.Message
		if res.Path != "" && res.OK {
			msg = fmt.Sprintf("%s (%s)", msg, res.Path)
		}
		printResult(okLabel, res.OK, msg, res.Error)
	}
	if !res.OK {
		return res, ErrRefused
	}
	return res, nil
}

// Bias determines the bias of every sensor.
func Bias(baseURL string, jsonOutput bool) error {
	_, err := run(baseURL, "/api/bias", nil, "BIASED", jsonOutput)
	return err
}

// Start starts recording on every sensor, optionally determining the bias
// first.
func Start(baseURL string, determineBias, jsonOutput bool) error {
	_, err := run(baseURL, "/api/start", control.StartPayload{DetermineBias: determineBias}, "RECORDING", jsonOutput)
	return err
}

// Pause pauses recording and prints what the drain wrote, including the
// latest sample of every sensor.
func Pause(baseURL string, jsonOutput bool) error {
	res, err := run(baseURL, "/api/pause", nil, "PAUSED", jsonOutput)
	if jsonOutput || res.Drain == nil {
		return err
	}
	for _, s := range res.Drain.Latest {
		fmt.Fprintf(out, "  %s t=%d  Fx=%.3f Fy=%.3f Fz=%.3f  Tx=%.3f Ty=%.3f Tz=%.3f\n",
			colorize(dim, fmt.Sprintf("sensor %d", s.DeviceID)), s.Time,
			s.Forces[0], s.Forces[1], s.Forces[2], s.Forces[3], s.Forces[4], s.Forces[5])
	}
	if len(res.Drain.Latest) > 0 {
		fmt.Fprintln(out)
	}
	return err
}

// Marker queues a soft trigger marker. A negative t stamps it on arrival.
func Marker(baseURL, code string, t int64, jsonOutput bool) error {
	if code == "" {
		return errors.New("marker code required")
	}
	body := control.MarkerPayload{Code: code}
	if t >= 0 {
		body.Time = &t
	}
	_, err := run(baseURL, "/api/marker", body, "MARKED", jsonOutput)
	return err
}

// OpenOptions control the open command. Nil pointers keep the daemon's
// configured values.
type OpenOptions struct {
	Filename          string
	Comment           string
	Zipped            *bool
	TimestampFilename *bool
	JSON              bool
}

// Open opens a new log on the daemon.
func Open(baseURL string, opts OpenOptions) error {
	body := control.OpenPayload{
		Filename:          opts.Filename,
		Comment:           opts.Comment,
		Zipped:            opts.Zipped,
		TimestampFilename: opts.TimestampFilename,
	}
	_, err := run(baseURL, "/api/open", body, "OPENED", opts.JSON)
	return err
}

// Close closes the open log.
func Close(baseURL string, jsonOutput bool) error {
	_, err := run(baseURL, "/api/close", nil, "CLOSED", jsonOutput)
	return err
}

// Quit stops acquisition on the daemon. The HTTP API stays up.
func Quit(baseURL string, jsonOutput bool) error {
	_, err := run(baseURL, "/api/quit", nil, "STOPPED", jsonOutput)
	return err
}

// Event sends an external event through the daemon's loopback backend.
func Event(baseURL, payload string, jsonOutput bool) error {
	_, err := run(baseURL, "/api/event", control.EventPayload{Payload: payload}, "SENT", jsonOutput)
	return err
}
