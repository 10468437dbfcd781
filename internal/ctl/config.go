package ctl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/large-farva/forcedaq/internal/config"
)

// Config fetches and displays the daemon's running configuration.
func Config(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var raw json.RawMessage
	if err := getJSON(baseURL, "/api/config", &raw); err != nil {
		return err
	}

	if jsonOutput {
		var v any
		_ = json.Unmarshal(raw, &v)
		return printJSON(v)
	}

	var resp struct {
		ConfigPath string        `json:"config_path"`
		Config     config.Config `json:"config"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	cfg := resp.Config

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  DAEMON CONFIGURATION"))
	if resp.ConfigPath != "" {
		fmt.Fprintf(out, "  %s\n", colorize(dim, resp.ConfigPath))
	}
	fmt.Fprintln(out, rule(50))

	section := func(name string) {
		fmt.Fprintf(out, "\n  %s\n", colorize(bold, "["+name+"]"))
	}
	field := func(key string, val any) {
		fmt.Fprintf(out, "    %-20s %v\n", colorize(dim, key+":"), val)
	}

	section("data")
	field("root", cfg.Data.Root)
	field("filename", cfg.Data.Filename)
	field("zipped", cfg.Data.Zipped)
	field("timestamp_filename", cfg.Data.TimestampFilename)

	section("recording")
	field("priority", cfg.Recording.Priority)
	field("settle_ms", cfg.Recording.SettleMS)
	field("bias_samples", cfg.Recording.BiasSamples)
	field("buffer_capacity", cfg.Recording.BufferCapacity)

	section("events")
	field("backend", cfg.Events.Backend)
	switch cfg.Events.Backend {
	case "udp":
		field("udp_bind", cfg.Events.UDPBind)
	case "mqtt":
		field("mqtt_broker", cfg.Events.MQTTBroker)
		field("mqtt_topic", cfg.Events.MQTTTopic)
	}
	field("ignore_control", cfg.Events.IgnoreControl)

	section("reconcile")
	field("pause_threshold_ms", cfg.Reconcile.PauseThresholdMS)
	field("interval_ms", cfg.Reconcile.IntervalMS)
	field("reference_offset", cfg.Reconcile.ReferenceOffset)
	field("max_sample_drift", cfg.Reconcile.MaxSampleDrift)

	section("server")
	field("bind", cfg.Server.Bind)
	field("live_interval_ms", cfg.Server.LiveIntervalMS)

	section("demo")
	field("enabled", cfg.Demo.Enabled)
	field("interval_seconds", cfg.Demo.IntervalSeconds)

	for _, s := range cfg.Sensors {
		section(fmt.Sprintf("sensor %d", s.DeviceID))
		field("name", s.Name)
		field("backend", s.Backend)
		if s.Backend == "serial" {
			field("serial_port", s.SerialPort)
		}
		field("rate_hz", s.RateHz)
		field("calibration_file", s.CalibrationFile)
	}

	fmt.Fprintln(out)
	return nil
}
