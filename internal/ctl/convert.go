package ctl

import (
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/control"
	"github.com/large-farva/forcedaq/internal/reconcile"
)

// ConvertOptions control the convert command.
type ConvertOptions struct {
	// Paths are file names in the daemon's data root, or local paths with
	// Local. Empty converts every pending log.
	Paths     []string
	Overwrite bool
	// Local converts on this machine without a daemon.
	Local bool
	// Dir is searched for pending logs in local mode.
	Dir       string
	Reconcile reconcile.Options
	Logger    *zap.SugaredLogger
	JSON      bool
}

// Convert reconciles the timestamps of recorded logs, either on the daemon
// or locally.
func Convert(baseURL string, opts ConvertOptions) error {
	var results []reconcile.Result
	var errs error
	if opts.Local {
		results, errs = convertLocal(opts)
	} else {
		results, errs = convertRemote(baseURL, opts)
	}

	if opts.JSON {
		if err := printJSON(results); err != nil {
			return err
		}
		return errs
	}
	printConversions(results)
	if errs != nil {
		fmt.Fprintf(out, "  %s  %v\n\n", colorize(red, "FAILED"), errs)
		return ErrRefused
	}
	return nil
}

func convertRemote(baseURL string, opts ConvertOptions) ([]reconcile.Result, error) {
	if len(opts.Paths) == 0 {
		res, err := postCommand(baseURL, "/api/convert", control.ConvertPayload{Overwrite: opts.Overwrite})
		if err != nil {
			return nil, err
		}
		if !res.OK {
			return res.Converted, fmt.Errorf("%s", res.Error)
		}
		return res.Converted, nil
	}

	var results []reconcile.Result
	var errs error
	for _, p := range opts.Paths {
		res, err := postCommand(baseURL, "/api/convert", control.ConvertPayload{Path: filepath.Base(p), Overwrite: opts.Overwrite})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		results = append(results, res.Converted...)
		if !res.OK {
			errs = multierr.Append(errs, fmt.Errorf("%s", res.Error))
		}
	}
	return results, errs
}

func convertLocal(opts ConvertOptions) ([]reconcile.Result, error) {
	rc := opts.Reconcile
	rc.Overwrite = opts.Overwrite
	if opts.Logger != nil {
		rc.Logger = opts.Logger
	}

	paths := opts.Paths
	if len(paths) == 0 {
		pending, err := reconcile.PendingFiles(opts.Dir, rc.Subdir)
		if err != nil {
			return nil, err
		}
		paths = pending
	}

	var results []reconcile.Result
	var errs error
	for _, p := range paths {
		res, err := reconcile.Convert(p, rc)
		results = append(results, res)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return results, errs
}

func printConversions(results []reconcile.Result) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, header("  CONVERSION"))
	fmt.Fprintln(out, rule(60))
	if len(results) == 0 {
		fmt.Fprintf(out, "  %s\n\n", colorize(dim, "nothing to convert"))
		return
	}
	for _, r := range results {
		target := colorize(red, "not written")
		if r.Output != "" {
			target = r.Output
		}
		fmt.Fprintf(out, "  %s -> %s\n", filepath.Base(r.Source), target)
		for _, s := range r.Sensors {
			line := fmt.Sprintf("sensor %d: %d samples in %d periods", s.DeviceID, s.Samples, s.Periods)
			if s.Error != "" {
				line += "  " + colorize(red, s.Error)
			}
			fmt.Fprintf(out, "    %s\n", line)
			for _, d := range s.Discrepancies {
				if d.Open {
					fmt.Fprintf(out, "      %s\n", colorize(yellow, fmt.Sprintf("period %d has no pause marker (%d samples)", d.Period, d.Actual)))
					continue
				}
				fmt.Fprintf(out, "      %s\n", colorize(yellow, fmt.Sprintf("period %d: expected %d samples, found %d", d.Period, d.Expected, d.Actual)))
			}
		}
	}
	fmt.Fprintln(out)
}

// Pending lists the logs that have not been converted yet.
func Pending(baseURL string, local bool, dir, subdir string, jsonOutput bool) error {
	var names []string
	if local {
		paths, err := reconcile.PendingFiles(dir, subdir)
		if err != nil {
			return err
		}
		names = paths
	} else {
		var resp RecordingsResponse
		if err := getJSON(baseURL, "/api/recordings", &resp); err != nil {
			return err
		}
		names = resp.Pending
	}
	if names == nil {
		names = []string{}
	}
	if jsonOutput {
		return printJSON(map[string]any{"pending": names})
	}
	fmt.Fprintln(out)
	if len(names) == 0 {
		fmt.Fprintf(out, "  %s\n\n", colorize(dim, "every log is converted"))
		return nil
	}
	for _, n := range names {
		fmt.Fprintf(out, "  %s\n", n)
	}
	fmt.Fprintln(out)
	return nil
}
