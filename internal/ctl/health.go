package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Health checks daemon health via GET /healthz, asking for the
// component-level report.
func Health(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	status, body, err := getRaw(baseURL, "/healthz", http.Header{"Accept": {"application/json"}})
	if err != nil {
		if jsonOutput {
			return printJSON(map[string]any{"healthy": false, "url": baseURL, "error": err.Error()})
		}
		return err
	}

	var report struct {
		Healthy bool                      `json:"healthy"`
		Checks  map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		report.Healthy = status == http.StatusOK
	}

	if jsonOutput {
		return printJSON(map[string]any{"healthy": report.Healthy, "url": baseURL, "checks": report.Checks})
	}

	fmt.Fprintln(out)
	if report.Healthy {
		fmt.Fprintf(out, "  %s  forcedaqd is healthy at %s\n", colorize(green, "HEALTHY"), colorize(dim, baseURL))
	} else {
		fmt.Fprintf(out, "  %s  forcedaqd returned HTTP %d at %s\n", colorize(red, "UNHEALTHY"), status, colorize(dim, baseURL))
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := report.Checks[name]
		mark := colorize(green, "ok  ")
		if ok, _ := c["ok"].(bool); !ok {
			mark = colorize(red, "FAIL")
		}
		detail := ""
		if e, ok := c["error"].(string); ok {
			detail = e
		} else if st, ok := c["state"].(string); ok {
			detail = st
		}
		fmt.Fprintf(out, "    %s %s %s\n", mark, padRight(name, 14), colorize(dim, detail))
	}
	fmt.Fprintln(out)

	return nil
}
