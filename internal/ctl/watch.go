package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// Watch connects to the daemon's WebSocket endpoint and streams events to
// the terminal in a human-readable format until interrupted.
func Watch(baseURL string, opts WatchOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, baseURL, opts)
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func watch(ctx context.Context, baseURL string, opts WatchOptions) error {
	target, err := wsURL(baseURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  %s %s\n", colorize(green, "connected"), colorize(dim, target))
		if len(opts.Filter) > 0 {
			fmt.Fprintf(out, "  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Fprintln(out, rule(50))
		fmt.Fprintln(out)
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(filterSet) > 0 {
				var ev struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(msg, &ev); err == nil && !filterSet[ev.Type] {
					continue
				}
			}
			if opts.JSON {
				fmt.Fprintln(out, string(msg))
			} else {
				renderEvent(msg)
			}
		}
	}()

	select {
	case <-ctx.Done():
		if !opts.JSON {
			fmt.Fprintln(out)
			fmt.Fprintln(out, colorize(dim, "  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		conn.Close()
		<-done
		return nil
	case <-done:
		return nil
	}
}

// renderEvent parses a JSON event and prints it in a human-friendly format.
// Falls back to raw JSON for unrecognized event types.
func renderEvent(raw []byte) {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		fmt.Fprintf(out, "  %s\n", string(raw))
		return
	}

	evType, _ := ev["type"].(string)
	ts := formatEventTime(ev)

	switch evType {
	case "heartbeat":
		state, _ := ev["state"].(string)
		uptime, _ := ev["uptime_seconds"].(float64)
		clients, _ := ev["clients"].(float64)
		fmt.Fprintf(out, "  %s %s  %s  up %s  %s\n",
			colorize(dim, ts),
			colorize(dim, "heartbeat"),
			colorize(stateColor(state), state),
			colorize(dim, formatDuration(time.Duration(uptime)*time.Second)),
			colorize(dim, fmt.Sprintf("%d clients", int(clients))),
		)

	case "state":
		from, _ := ev["from"].(string)
		to, _ := ev["to"].(string)
		fmt.Fprintf(out, "  %s %s  %s %s %s\n",
			colorize(dim, ts),
			colorize(bold, "STATE"),
			colorize(stateColor(from), from),
			colorize(dim, "->"),
			colorize(stateColor(to), to),
		)

	case "log":
		level, _ := ev["level"].(string)
		message, _ := ev["message"].(string)
		component, _ := ev["component"].(string)
		src := ""
		if component != "" {
			src = colorize(dim, "["+component+"] ")
		}
		fmt.Fprintf(out, "  %s %s  %s%s\n", colorize(dim, ts), formatLogLevel(level), src, message)

	case "drain":
		samples, _ := ev["samples"].(float64)
		events, _ := ev["events"].(float64)
		markers, _ := ev["markers"].(float64)
		line := fmt.Sprintf("%d samples, %d events, %d markers", int(samples), int(events), int(markers))
		if e, _ := ev["error"].(string); e != "" {
			line += "  " + colorize(red, e)
		}
		fmt.Fprintf(out, "  %s %s  %s\n", colorize(dim, ts), colorize(cyan, "DRAIN"), line)
		latest, _ := ev["latest"].([]any)
		renderSamples(latest)

	case "live":
		sensors, _ := ev["sensors"].([]any)
		fmt.Fprintf(out, "  %s %s  %d sensors\n", colorize(dim, ts), colorize(green, "LIVE "), len(sensors))
		renderSamples(sensors)

	case "event":
		payload, _ := ev["payload"].(string)
		t, _ := ev["time"].(float64)
		label := colorize(blue, "EVENT")
		if ctrl, _ := ev["is_control_command"].(bool); ctrl {
			label = colorize(yellow, "CMD  ")
		}
		fmt.Fprintf(out, "  %s %s  %s %s\n", colorize(dim, ts), label, payload, colorize(dim, fmt.Sprintf("@%d", int64(t))))

	default:
		pretty, err := json.MarshalIndent(ev, "  ", "  ")
		if err != nil {
			fmt.Fprintf(out, "  %s\n", string(raw))
			return
		}
		fmt.Fprintf(out, "  %s\n", string(pretty))
	}
}

// renderSamples prints one line per JSON-decoded sample.
func renderSamples(samples []any) {
	for _, l := range samples {
		s, _ := l.(map[string]any)
		id, _ := s["device_id"].(float64)
		t, _ := s["time"].(float64)
		forces, _ := s["forces"].([]any)
		fz := 0.0
		if len(forces) > 2 {
			fz, _ = forces[2].(float64)
		}
		fmt.Fprintf(out, "    %s t=%d Fz=%.3f\n", colorize(dim, fmt.Sprintf("sensor %d", int(id))), int64(t), fz)
	}
}

// formatEventTime extracts and shortens the timestamp from an event.
func formatEventTime(ev map[string]any) string {
	tsRaw, ok := ev["ts"].(string)
	if !ok {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		if len(tsRaw) > 10 {
			return tsRaw[:10]
		}
		return tsRaw
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return colorize(green, "INFO ")
	case "warn":
		return colorize(yellow, "WARN ")
	case "error":
		return colorize(red, "ERROR")
	default:
		return padRight(level, 5)
	}
}
