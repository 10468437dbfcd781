// Package config handles loading, defaulting, and validation of the forcedaq
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups.
package config

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/large-farva/forcedaq/internal/daq"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Data      DataConfig      `toml:"data"      json:"data"`
	Logging   LoggingConfig   `toml:"logging"   json:"logging"`
	Server    ServerConfig    `toml:"server"    json:"server"`
	Columns   ColumnsConfig   `toml:"columns"   json:"columns"`
	Recording RecordingConfig `toml:"recording" json:"recording"`
	Events    EventsConfig    `toml:"events"    json:"events"`
	Reconcile ReconcileConfig `toml:"reconcile" json:"reconcile"`
	Demo      DemoConfig      `toml:"demo"      json:"demo"`
	Sensors   []SensorConfig  `toml:"sensors"   json:"sensors"`
}

type DataConfig struct {
	Root              string `toml:"root"               json:"root"`
	Filename          string `toml:"filename"           json:"filename"`
	Zipped            bool   `toml:"zipped"             json:"zipped"`
	TimestampFilename bool   `toml:"timestamp_filename" json:"timestamp_filename"`
	ColumnNames       bool   `toml:"column_names"       json:"column_names"`
	Comment           string `toml:"comment"            json:"comment"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	File  string `toml:"file"  json:"file"`
}

type ServerConfig struct {
	Bind string `toml:"bind" json:"bind"`
	// LiveIntervalMS paces the live sensor telemetry sent while recording.
	// Zero turns it off.
	LiveIntervalMS int `toml:"live_interval_ms" json:"live_interval_ms"`
}

// ColumnsConfig selects the optional columns of sample lines. The choice is
// fixed for the life of a log file.
type ColumnsConfig struct {
	DeviceID bool `toml:"device_id" json:"device_id"`
	Fx       bool `toml:"fx"        json:"fx"`
	Fy       bool `toml:"fy"        json:"fy"`
	Fz       bool `toml:"fz"        json:"fz"`
	Tx       bool `toml:"tx"        json:"tx"`
	Ty       bool `toml:"ty"        json:"ty"`
	Tz       bool `toml:"tz"        json:"tz"`
	Trigger1 bool `toml:"trigger1"  json:"trigger1"`
	Trigger2 bool `toml:"trigger2"  json:"trigger2"`
}

type RecordingConfig struct {
	Priority       string `toml:"priority"         json:"priority"`
	SettleMS       int    `toml:"settle_ms"        json:"settle_ms"`
	DrainTimeoutMS int    `toml:"drain_timeout_ms" json:"drain_timeout_ms"`
	JoinTimeoutMS  int    `toml:"join_timeout_ms"  json:"join_timeout_ms"`
	BiasSamples    int    `toml:"bias_samples"     json:"bias_samples"`
	BiasTimeoutMS  int    `toml:"bias_timeout_ms"  json:"bias_timeout_ms"`
	BufferCapacity int    `toml:"buffer_capacity"  json:"buffer_capacity"`
}

type EventsConfig struct {
	Backend        string `toml:"backend"          json:"backend"`
	UDPBind        string `toml:"udp_bind"         json:"udp_bind"`
	MQTTBroker     string `toml:"mqtt_broker"      json:"mqtt_broker"`
	MQTTTopic      string `toml:"mqtt_topic"       json:"mqtt_topic"`
	MQTTClientID   string `toml:"mqtt_client_id"   json:"mqtt_client_id"`
	IgnoreControl  bool   `toml:"ignore_control"   json:"ignore_control"`
	QueueSize      int    `toml:"queue_size"       json:"queue_size"`
	PollIntervalMS int    `toml:"poll_interval_ms" json:"poll_interval_ms"`
}

// ReconcileConfig tunes the offline timestamp reconciliation. The defaults
// fit a 1 kHz sensor.
type ReconcileConfig struct {
	PauseThresholdMS int64  `toml:"pause_threshold_ms" json:"pause_threshold_ms"`
	IntervalMS       int64  `toml:"interval_ms"        json:"interval_ms"`
	ReferenceOffset  int    `toml:"reference_offset"   json:"reference_offset"`
	Lookahead        int    `toml:"lookahead"          json:"lookahead"`
	TickGapMS        int64  `toml:"tick_gap_ms"        json:"tick_gap_ms"`
	MaxSampleDrift   int64  `toml:"max_sample_drift"   json:"max_sample_drift"`
	Zipped           bool   `toml:"zipped"             json:"zipped"`
	Subdir           string `toml:"subdir"             json:"subdir"`
}

type DemoConfig struct {
	Enabled         bool `toml:"enabled"          json:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds" json:"interval_seconds"`
}

// SensorConfig describes one physical force sensor and the backend reading it.
type SensorConfig struct {
	DeviceID           int         `toml:"device_id"            json:"device_id"`
	Name               string      `toml:"name"                 json:"name"`
	Backend            string      `toml:"backend"              json:"backend"`
	SerialPort         string      `toml:"serial_port"          json:"serial_port"`
	BaudRate           int         `toml:"baud_rate"            json:"baud_rate"`
	RateHz             int         `toml:"rate_hz"              json:"rate_hz"`
	CalibrationFile    string      `toml:"calibration_file"     json:"calibration_file"`
	Calibration        [][]float64 `toml:"calibration"          json:"calibration,omitempty"`
	Reverse            []string    `toml:"reverse"              json:"reverse,omitempty"`
	AllowDummyFallback bool        `toml:"allow_dummy_fallback" json:"allow_dummy_fallback"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Data: DataConfig{
			Root:        "data",
			Filename:    "daq_recording.csv",
			ColumnNames: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Bind:           "127.0.0.1:8080",
			LiveIntervalMS: 1000,
		},
		Columns: ColumnsConfig{
			Fx:       true,
			Fy:       true,
			Fz:       true,
			Trigger1: true,
		},
		Recording: RecordingConfig{
			Priority:       "normal",
			SettleMS:       500,
			DrainTimeoutMS: 10000,
			JoinTimeoutMS:  5000,
			BiasSamples:    1000,
			BiasTimeoutMS:  5000,
			BufferCapacity: 1 << 20,
		},
		Events: EventsConfig{
			Backend:        "none",
			UDPBind:        "0.0.0.0:5005",
			MQTTBroker:     "tcp://localhost:1883",
			MQTTTopic:      "forcedaq/events",
			MQTTClientID:   "forcedaq-events",
			IgnoreControl:  true,
			QueueSize:      1024,
			PollIntervalMS: 1,
		},
		Reconcile: ReconcileConfig{
			PauseThresholdMS: 500,
			IntervalMS:       1,
			ReferenceOffset:  1000,
			Lookahead:        1000,
			TickGapMS:        10,
			Zipped:           true,
			Subdir:           "converted",
		},
		Demo: DemoConfig{
			Enabled:         false,
			IntervalSeconds: 10,
		},
		Sensors: []SensorConfig{
			{
				DeviceID:           1,
				Name:               "dummy",
				Backend:            "dummy",
				RateHz:             1000,
				AllowDummyFallback: true,
			},
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An error is returned if the file can't be read,
// parsed, or if any constraint is violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	// A [[sensors]] table in the file replaces the default sensor list
	// instead of merging into its first entry.
	cfg.Sensors = nil
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Sensors == nil {
		cfg.Sensors = Default().Sensors
	}
	for i := range cfg.Sensors {
		applySensorDefaults(&cfg.Sensors[i])
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applySensorDefaults(s *SensorConfig) {
	if s.Backend == "" {
		s.Backend = "dummy"
	}
	if s.RateHz == 0 {
		s.RateHz = 1000
	}
	if s.BaudRate == 0 {
		s.BaudRate = 115200
	}
	if s.Name == "" {
		s.Name = "sensor"
	}
}

func invalid(key, reason string) error {
	return &daq.ConfigurationError{Key: key, Reason: reason}
}

// Validate checks every constraint and returns a *daq.ConfigurationError for
// the first violation.
func (cfg Config) Validate() error {
	if cfg.Data.Root == "" {
		return invalid("data.root", "must not be empty")
	}
	if cfg.Server.LiveIntervalMS < 0 {
		return invalid("server.live_interval_ms", "must be >= 0")
	}
	if cfg.Recording.SettleMS < 0 {
		return invalid("recording.settle_ms", "must be >= 0")
	}
	if cfg.Recording.DrainTimeoutMS <= 0 {
		return invalid("recording.drain_timeout_ms", "must be > 0")
	}
	if cfg.Recording.JoinTimeoutMS <= 0 {
		return invalid("recording.join_timeout_ms", "must be > 0")
	}
	if cfg.Recording.BiasSamples < 1 {
		return invalid("recording.bias_samples", "must be >= 1")
	}
	if cfg.Recording.BiasTimeoutMS <= 0 {
		return invalid("recording.bias_timeout_ms", "must be > 0")
	}
	if cfg.Recording.BufferCapacity < 1 {
		return invalid("recording.buffer_capacity", "must be >= 1")
	}
	switch strings.ToLower(cfg.Recording.Priority) {
	case "", "normal", "high", "realtime":
	default:
		return invalid("recording.priority", "must be one of normal, high, realtime")
	}
	switch cfg.Events.Backend {
	case "none", "":
	case "udp":
		if cfg.Events.UDPBind == "" {
			return invalid("events.udp_bind", "is required for the udp backend")
		}
	case "mqtt":
		if cfg.Events.MQTTBroker == "" || cfg.Events.MQTTTopic == "" {
			return invalid("events.mqtt_broker", "and events.mqtt_topic are required for the mqtt backend")
		}
	default:
		return invalid("events.backend", "must be one of none, udp, mqtt")
	}
	if cfg.Events.QueueSize < 1 {
		return invalid("events.queue_size", "must be >= 1")
	}
	if cfg.Events.PollIntervalMS < 1 {
		return invalid("events.poll_interval_ms", "must be >= 1")
	}
	if cfg.Reconcile.PauseThresholdMS <= 0 {
		return invalid("reconcile.pause_threshold_ms", "must be > 0")
	}
	if cfg.Reconcile.IntervalMS <= 0 {
		return invalid("reconcile.interval_ms", "must be > 0")
	}
	if cfg.Reconcile.ReferenceOffset < 0 {
		return invalid("reconcile.reference_offset", "must be >= 0")
	}
	if cfg.Reconcile.Lookahead < 0 {
		return invalid("reconcile.lookahead", "must be >= 0")
	}
	if cfg.Reconcile.MaxSampleDrift < 0 {
		return invalid("reconcile.max_sample_drift", "must be >= 0")
	}
	if cfg.Reconcile.Subdir == "" {
		return invalid("reconcile.subdir", "must not be empty")
	}
	if cfg.Demo.IntervalSeconds < 0 {
		return invalid("demo.interval_seconds", "must be >= 0")
	}
	if len(cfg.Sensors) == 0 {
		return invalid("sensors", "at least one sensor is required")
	}
	seen := make(map[int]bool, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		if s.DeviceID < 1 {
			return invalid("sensors.device_id", "must be >= 1")
		}
		if seen[s.DeviceID] {
			return invalid("sensors.device_id", "must be unique")
		}
		seen[s.DeviceID] = true
		if s.RateHz < 1 {
			return invalid("sensors.rate_hz", "must be >= 1")
		}
		switch s.Backend {
		case "dummy":
		case "serial":
			if s.SerialPort == "" {
				return invalid("sensors.serial_port", "is required for the serial backend")
			}
		default:
			return invalid("sensors.backend", "must be one of dummy, serial")
		}
		if s.Calibration != nil {
			if len(s.Calibration) != 6 {
				return invalid("sensors.calibration", "must be a 6x6 matrix")
			}
			for _, row := range s.Calibration {
				if len(row) != 6 {
					return invalid("sensors.calibration", "must be a 6x6 matrix")
				}
			}
		}
		for _, name := range s.Reverse {
			if !isForceName(name) {
				return invalid("sensors.reverse", "names must be one of Fx, Fy, Fz, Tx, Ty, Tz")
			}
		}
	}
	if len(cfg.Sensors) > 1 && !cfg.Columns.DeviceID {
		return invalid("columns.device_id", "must be enabled when more than one sensor is recorded")
	}
	return nil
}

func isForceName(name string) bool {
	for _, n := range daq.ForceNames {
		if n == name {
			return true
		}
	}
	return false
}
