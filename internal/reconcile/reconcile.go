package reconcile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/daq"
)

// ConvertedSuffix ends every converted file name, before any ".gz".
const ConvertedSuffix = ".conv.csv"

// Options tune the reconciliation.
type Options struct {
	PauseThreshold  int64
	Interval        int64
	ReferenceOffset int
	Lookahead       int
	TickGap         int64
	// MaxSampleDrift turns a per-period sample count discrepancy larger
	// than this into an error. Zero only logs discrepancies.
	MaxSampleDrift int64
	Zipped         bool
	Subdir         string
	// Schema parses logs written without a column-name line.
	Schema datafile.Schema
	// Overwrite replaces an existing converted file.
	Overwrite bool
	Logger    *zap.SugaredLogger
}

// DefaultOptions fit a 1 kHz sensor.
func DefaultOptions() Options {
	return FromConfig(config.Default().Reconcile)
}

// FromConfig builds Options from the reconcile config section.
func FromConfig(c config.ReconcileConfig) Options {
	return Options{
		PauseThreshold:  c.PauseThresholdMS,
		Interval:        c.IntervalMS,
		ReferenceOffset: c.ReferenceOffset,
		Lookahead:       c.Lookahead,
		TickGap:         c.TickGapMS,
		MaxSampleDrift:  c.MaxSampleDrift,
		Zipped:          c.Zipped,
		Subdir:          c.Subdir,
		Schema:          datafile.FullSchema(),
	}
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// Discrepancy is a period whose sample count differs from the count implied
// by its markers, or which has no pause marker.
type Discrepancy struct {
	DeviceID int   `json:"device_id"`
	Period   int   `json:"period"`
	Expected int64 `json:"expected"`
	Actual   int64 `json:"actual"`
	Open     bool  `json:"open"`
}

// SensorResult summarizes one sensor of a conversion.
type SensorResult struct {
	DeviceID      int           `json:"device_id"`
	Samples       int           `json:"samples"`
	Periods       int           `json:"periods"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Result summarizes a conversion. Output is empty when nothing was written.
type Result struct {
	Source  string         `json:"source"`
	Output  string         `json:"output"`
	Sensors []SensorResult `json:"sensors"`
}

// AdjustSensor reconciles the timestamps of one sensor against its marker
// periods and returns one adjusted time per sample.
func AdjustSensor(deviceID int, times []int64, periods []Period, opts Options) ([]int64, []Discrepancy, error) {
	log := opts.logger()
	spans := SplitByGaps(times, opts.PauseThreshold)
	if len(spans) != len(periods) {
		return nil, nil, &daq.PeriodMismatchError{DeviceID: deviceID, Markers: len(periods), Gaps: len(spans)}
	}

	adjusted := make([]int64, 0, len(times))
	var found []Discrepancy
	var errs error
	for k, span := range spans {
		seg := times[span.First : span.Last+1]
		anchor := AnchorIndex(seg, opts.ReferenceOffset, opts.Lookahead, opts.TickGap)
		adjusted = append(adjusted, RegularTimeline(seg, anchor, opts.Interval)...)

		logDominantInterval(log, deviceID, k+1, seg, opts.Interval)

		p := periods[k]
		actual := int64(span.Len())
		if p.Open() {
			log.Infow("no pause sampling time", "device_id", deviceID, "period", k+1, "samples", actual)
			found = append(found, Discrepancy{DeviceID: deviceID, Period: k + 1, Actual: actual, Open: true})
			continue
		}
		expected := 1 + (*p.End-p.Start)/opts.Interval
		if diff := actual - expected; diff != 0 {
			log.Warnw("sample count differs from marker period", "device_id", deviceID, "period", k+1,
				"expected", expected, "actual", actual, "difference", diff)
			found = append(found, Discrepancy{DeviceID: deviceID, Period: k + 1, Expected: expected, Actual: actual})
			if opts.MaxSampleDrift > 0 && (diff > opts.MaxSampleDrift || -diff > opts.MaxSampleDrift) {
				errs = multierr.Append(errs, &daq.SampleCountError{
					DeviceID: deviceID, Period: k + 1, Expected: expected, Actual: actual,
				})
			}
		}
	}
	if errs != nil {
		return nil, found, errs
	}
	return adjusted, found, nil
}

func logDominantInterval(log *zap.SugaredLogger, deviceID, period int, seg []int64, interval int64) {
	if len(seg) < 3 {
		return
	}
	diffs := make(stats.Float64Data, len(seg)-1)
	for i := 1; i < len(seg); i++ {
		diffs[i-1] = float64(seg[i] - seg[i-1])
	}
	modes, err := stats.Mode(diffs)
	if err != nil || len(modes) != 1 {
		return
	}
	if modes[0] != float64(interval) {
		log.Infow("dominant sample interval differs from configured interval", "device_id", deviceID,
			"period", period, "dominant_ms", modes[0], "interval_ms", interval)
	}
}

type sensorSamples struct {
	samples []daq.Sample
	times   []int64
}

// Convert reconciles the log at path and writes the converted log next to
// it, under opts.Subdir. Sensors whose periods do not match are reported and
// left out; when no sensor succeeds nothing is written.
func Convert(path string, opts Options) (Result, error) {
	res := Result{Source: path}
	if opts.Interval <= 0 {
		return res, &daq.ConfigurationError{Key: "reconcile.interval_ms", Reason: "must be > 0"}
	}
	log := opts.logger().With("source", path)

	out := ConvertedPath(path, opts.Subdir, opts.Zipped)
	if !opts.Overwrite {
		if _, err := os.Stat(out); err == nil {
			return res, fmt.Errorf("%s: %w", out, fs.ErrExist)
		}
	}

	ds, err := datafile.ReadFile(path, opts.Schema)
	if err != nil {
		return res, err
	}

	periods := PeriodsFromMarkers(ds.Markers())
	bySensor, err := groupSamples(ds, periods)
	if err != nil {
		return res, err
	}

	ids := make([]int, 0, len(bySensor))
	for id := range bySensor {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	outSchema := ds.Schema
	outSchema.AdjTime = true
	var body bytes.Buffer
	w := datafile.NewWriter(&body, outSchema)

	var errs error
	written := 0
	for _, id := range ids {
		ss := bySensor[id]
		sr := SensorResult{DeviceID: id, Samples: len(ss.samples), Periods: len(periods[id])}
		adjusted, found, err := AdjustSensor(id, ss.times, periods[id], opts)
		sr.Discrepancies = found
		if err != nil {
			sr.Error = err.Error()
			log.Errorw("sensor not converted", "device_id", id, "error", err)
			errs = multierr.Append(errs, err)
			res.Sensors = append(res.Sensors, sr)
			continue
		}
		for i, s := range ss.samples {
			if err := w.WriteAdjusted(s, adjusted[i]); err != nil {
				return res, err
			}
		}
		written++
		res.Sensors = append(res.Sensors, sr)
	}
	if written == 0 {
		if errs == nil {
			errs = errors.New("no samples to convert")
		}
		return res, errs
	}

	for _, l := range ds.Lines {
		if _, ok := l.Record.(daq.Sample); ok {
			continue
		}
		if err := w.WriteRecord(l.Record); err != nil {
			return res, err
		}
	}
	if err := w.Close(); err != nil {
		return res, err
	}

	if err := writeConverted(out, ds.Comments, outSchema, body.Bytes(), opts.Overwrite); err != nil {
		return res, err
	}
	res.Output = out
	log.Infow("converted", "output", out, "sensors", written)
	return res, errs
}

// groupSamples splits samples per sensor. Logs without a device id column
// belong to the single sensor named in the markers.
func groupSamples(ds *datafile.Dataset, periods map[int][]Period) (map[int]*sensorSamples, error) {
	single := 0
	if !ds.Schema.DeviceID {
		switch len(periods) {
		case 0:
		case 1:
			for id := range periods {
				single = id
			}
		default:
			return nil, &daq.ConfigurationError{
				Key:    "columns.device_id",
				Reason: "is required to convert a log with markers for several sensors",
			}
		}
	}

	out := make(map[int]*sensorSamples)
	for _, l := range ds.Lines {
		s, ok := l.Record.(daq.Sample)
		if !ok {
			continue
		}
		id := s.DeviceID
		if !ds.Schema.DeviceID {
			id = single
		}
		ss := out[id]
		if ss == nil {
			ss = &sensorSamples{}
			out[id] = ss
		}
		t := s.Time
		// Converted input is reconciled on its adjusted timeline.
		if l.AdjTime != nil {
			t = *l.AdjTime
		}
		ss.samples = append(ss.samples, s)
		ss.times = append(ss.times, t)
	}
	return out, nil
}

func writeConverted(path string, comments []string, schema datafile.Schema, body []byte, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if overwrite {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	w, err := datafile.Create(path, schema)
	if err != nil {
		return err
	}
	for _, c := range comments {
		err = multierr.Append(err, w.WriteComment(c))
	}
	err = multierr.Append(err, w.WriteColumnNames())
	err = multierr.Append(err, w.WriteRaw(body))
	return multierr.Append(err, w.Close())
}

// ConvertedPath returns where the converted form of path is written.
func ConvertedPath(path, subdir string, zipped bool) string {
	dir, name := filepath.Split(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".csv")
	name = strings.TrimSuffix(name, ".conv")
	name += ConvertedSuffix
	if zipped {
		name += ".gz"
	}
	return filepath.Join(dir, subdir, name)
}

// PendingFiles lists the raw logs in dir that have no converted counterpart
// in either compression.
func PendingFiles(dir, subdir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsRawLog(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if exists(ConvertedPath(path, subdir, true)) || exists(ConvertedPath(path, subdir, false)) {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// IsRawLog reports whether name looks like a recording that has not been
// converted.
func IsRawLog(name string) bool {
	if strings.HasSuffix(name, ConvertedSuffix) || strings.HasSuffix(name, ConvertedSuffix+".gz") {
		return false
	}
	return strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".csv.gz")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
