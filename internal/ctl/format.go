// Package ctl implements the client-side commands for daqctl.
// It talks to a running forcedaqd over HTTP and WebSocket and renders the
// results to the terminal.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// out is where every command prints. Tests swap it.
var out io.Writer = os.Stdout

// ANSI escape codes for terminal formatting.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
	white  = "\033[37m"
)

// colorEnabled reports whether output goes to a terminal. When output is
// piped or redirected, ANSI escape codes are suppressed.
func colorEnabled() bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// stateColor returns the ANSI color code appropriate for a recorder state.
func stateColor(state string) string {
	if !colorEnabled() {
		return ""
	}
	switch state {
	case "IDLE":
		return green
	case "RECORDING", "ACTIVE":
		return blue
	case "PAUSED", "READY":
		return yellow
	case "CLOSED", "TERMINATED":
		return red
	case "BOOTING", "CREATED", "BIAS_PENDING":
		return dim
	default:
		return white
	}
}

// colorize wraps text with an ANSI color sequence.
// Returns the text unchanged when color output is disabled.
func colorize(color, text string) string {
	if !colorEnabled() || color == "" {
		return text
	}
	return color + text + reset
}

// header returns a bold section header, or plain text when color is off.
func header(title string) string {
	if colorEnabled() {
		return bold + title + reset
	}
	return title
}

func rule(width int) string {
	return colorize(dim, "  "+strings.Repeat("─", width))
}

// padRight pads s with spaces to reach the given width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDuration renders a time.Duration as a compact human string like
// "2h 14m 8s" or "45s".
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatBytes renders a byte count as a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// printResult renders a command result with a label for success.
func printResult(okLabel string, ok bool, message, errMsg string) {
	fmt.Fprintln(out)
	if ok {
		fmt.Fprintf(out, "  %s  %s\n", colorize(green, okLabel), message)
	} else {
		if message != "" {
			fmt.Fprintf(out, "  %s\n", message)
		}
		fmt.Fprintf(out, "  %s  %s\n", colorize(red, "FAILED"), errMsg)
	}
	fmt.Fprintln(out)
}
