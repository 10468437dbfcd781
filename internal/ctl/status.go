package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string         `json:"name"`
	State         string         `json:"state"`
	RecorderState string         `json:"recorder_state"`
	Mode          string         `json:"mode"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	TimerMS       int64          `json:"timer_ms"`
	DataRoot      string         `json:"data_root"`
	File          string         `json:"file"`
	Session       string         `json:"session"`
	EventsBackend string         `json:"events_backend"`
	Priority      string         `json:"priority"`
	MainNice      *int           `json:"main_nice,omitempty"`
	WSClients     int            `json:"ws_clients"`
	WSDropped     int64          `json:"ws_dropped"`
	Disk          map[string]any `json:"disk,omitempty"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	file := s.File
	if file == "" {
		file = colorize(dim, "(no log open)")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  FORCEDAQ STATUS"))
	fmt.Fprintln(out, rule(38))
	fmt.Fprintf(out, "  %-12s %s (%s)\n", colorize(dim, "Daemon:"), s.Name, s.Mode)
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "State:"), colorize(stateColor(s.State), s.State))
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Uptime:"), formatDuration(time.Duration(s.UptimeSeconds)*time.Second))
	fmt.Fprintf(out, "  %-12s %d ms\n", colorize(dim, "Timer:"), s.TimerMS)
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Log:"), file)
	if s.Session != "" {
		fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Session:"), s.Session)
	}
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Data:"), s.DataRoot)
	if avail, ok := s.Disk["available_bytes"].(float64); ok {
		fmt.Fprintf(out, "  %-12s %s free\n", colorize(dim, "Disk:"), formatBytes(int64(avail)))
	}
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Events:"), s.EventsBackend)
	prio := s.Priority
	if s.MainNice != nil {
		prio += fmt.Sprintf(" (main nice %d)", *s.MainNice)
	}
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Priority:"), prio)
	fmt.Fprintf(out, "  %-12s %d\n", colorize(dim, "Watchers:"), s.WSClients)
	fmt.Fprintf(out, "  %-12s %s\n", colorize(dim, "Host:"), baseURL)
	fmt.Fprintln(out)

	return nil
}
