// Package sensor provides the raw frame sources a sampling worker reads from
// and the calibration applied to each frame.
package sensor

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/daq"
)

// Frame is one raw reading: six analog channels and two trigger lines.
type Frame struct {
	Raw     [6]float64
	Trigger [2]float64
}

// Source produces raw frames. ReadFrame blocks until a frame is available
// and is called from a single goroutine.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Info describes the backend actually opened for a sensor.
type Info struct {
	Backend string `json:"backend"`
	// Degraded is set when the configured backend failed and the synthetic
	// source stands in for it.
	Degraded bool `json:"degraded"`
}

var errUnknownBackend = errors.New("unknown backend")

// openSerialFn is swapped in tests.
var openSerialFn = OpenSerial

// Open selects the backend named in cfg. A serial backend that cannot be
// opened falls back to the dummy source only when the sensor allows it.
func Open(cfg config.SensorConfig, clk clock.Clock, logger *zap.SugaredLogger) (Source, Info, error) {
	switch cfg.Backend {
	case "serial":
		src, err := openSerialFn(cfg.SerialPort, cfg.BaudRate)
		if err == nil {
			return src, Info{Backend: "serial"}, nil
		}
		if !cfg.AllowDummyFallback {
			return nil, Info{}, &daq.BackendUnavailableError{DeviceID: cfg.DeviceID, Backend: cfg.Backend, Err: err}
		}
		logger.Warnw("serial backend unavailable, using dummy source",
			"device_id", cfg.DeviceID, "port", cfg.SerialPort, "error", err)
		return NewDummy(clk, cfg.RateHz), Info{Backend: "dummy", Degraded: true}, nil
	case "dummy", "":
		return NewDummy(clk, cfg.RateHz), Info{Backend: "dummy"}, nil
	default:
		return nil, Info{}, &daq.BackendUnavailableError{
			DeviceID: cfg.DeviceID,
			Backend:  cfg.Backend,
			Err:      errUnknownBackend,
		}
	}
}
