package ctl

import (
	"fmt"
	"strings"

	"github.com/large-farva/forcedaq/internal/priority"
	"github.com/large-farva/forcedaq/internal/recorder"
)

// SensorsResponse mirrors the JSON returned by GET /api/sensors.
type SensorsResponse struct {
	Sensors    []recorder.SensorStatus `json:"sensors"`
	Priorities []priority.Report       `json:"priorities"`
}

// Sensors lists every sensor with its worker state, bias and counters, and
// the scheduling priority each acquisition thread obtained.
func Sensors(baseURL string, jsonOutput bool) error {
	var resp SensorsResponse
	if err := getJSON(baseURL, "/api/sensors", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  SENSORS"))
	fmt.Fprintln(out, rule(72))
	fmt.Fprintf(out, "  %s %s %s %s %s %s\n",
		padRight("ID", 4), padRight("NAME", 12), padRight("BACKEND", 10),
		padRight("STATE", 13), padRight("SAMPLES", 10), "BIAS (Fx Fy Fz)")
	for _, s := range resp.Sensors {
		backend := s.Backend
		if s.Degraded {
			backend += "*"
		}
		bias := colorize(dim, "not determined")
		if s.Biased {
			bias = fmt.Sprintf("%.3f %.3f %.3f", s.Bias[0], s.Bias[1], s.Bias[2])
		}
		fmt.Fprintf(out, "  %s %s %s %s %s %s\n",
			padRight(fmt.Sprint(s.DeviceID), 4),
			padRight(s.Name, 12),
			padRight(backend, 10),
			colorize(stateColor(s.State), padRight(s.State, 13)),
			padRight(fmt.Sprint(s.Samples), 10),
			bias)
		if s.Latest != nil {
			fmt.Fprintf(out, "       %s\n", colorize(dim, fmt.Sprintf("latest t=%d Fz=%.3f", s.Latest.Time, s.Latest.Forces[2])))
		}
		if s.ReadErrors > 0 {
			fmt.Fprintf(out, "       %s\n", colorize(yellow, fmt.Sprintf("%d read errors", s.ReadErrors)))
		}
	}

	if len(resp.Priorities) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, header("  THREAD PRIORITIES"))
		fmt.Fprintln(out, rule(72))
		for _, p := range resp.Priorities {
			got := fmt.Sprintf("%s nice=%d", p.Policy, p.Nice)
			if p.Error != "" {
				got = colorize(red, p.Error)
			}
			fmt.Fprintf(out, "  %s tid=%s %s %s\n",
				padRight(p.Context, 12), padRight(fmt.Sprint(p.TID), 8),
				padRight(strings.ToLower(p.Requested), 9), got)
		}
	}
	fmt.Fprintln(out)
	return nil
}
