package ctl

import (
	"fmt"
	"time"
)

// RecordingsResponse mirrors the JSON returned by GET /api/recordings.
type RecordingsResponse struct {
	DataRoot   string `json:"data_root"`
	Recordings []struct {
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
		Modified  string `json:"modified"`
		Open      bool   `json:"open"`
		Converted string `json:"converted,omitempty"`
	} `json:"recordings"`
	Pending []string `json:"pending"`
}

// Recordings lists the logs in the daemon's data root.
func Recordings(baseURL string, jsonOutput bool) error {
	var resp RecordingsResponse
	if err := getJSON(baseURL, "/api/recordings", &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  RECORDINGS")+"  "+colorize(dim, resp.DataRoot))
	fmt.Fprintln(out, rule(72))
	if len(resp.Recordings) == 0 {
		fmt.Fprintf(out, "  %s\n\n", colorize(dim, "no recordings"))
		return nil
	}
	for _, r := range resp.Recordings {
		modified := r.Modified
		if t, err := time.Parse(time.RFC3339, r.Modified); err == nil {
			modified = t.Local().Format("2006-01-02 15:04")
		}
		status := colorize(yellow, "pending")
		switch {
		case r.Open:
			status = colorize(blue, "open")
		case r.Converted != "":
			status = colorize(green, "converted")
		}
		fmt.Fprintf(out, "  %s %s %s %s\n",
			padRight(r.Filename, 36), padRight(formatBytes(r.Size), 10), padRight(modified, 17), status)
	}
	fmt.Fprintf(out, "\n  %d pending conversion\n\n", len(resp.Pending))
	return nil
}
