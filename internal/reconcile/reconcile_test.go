package reconcile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/daq"
)

func ptr(v int64) *int64 { return &v }

func TestSplitByGaps(t *testing.T) {
	times := make([]int64, 0, 100)
	for i := 0; i < 100; i++ {
		tm := int64(i)
		if i >= 40 {
			tm += 600
		}
		times = append(times, tm)
	}
	spans := SplitByGaps(times, 500)
	test.That(t, spans, test.ShouldResemble, []Span{{First: 0, Last: 39}, {First: 40, Last: 99}})

	// A gap equal to the threshold does not split.
	test.That(t, SplitByGaps([]int64{0, 500}, 500), test.ShouldHaveLength, 1)
	test.That(t, SplitByGaps(nil, 500), test.ShouldBeEmpty)
}

func TestPeriodsFromMarkers(t *testing.T) {
	markers := []daq.MarkerEvent{
		daq.PauseMarker(1, 5), // pause without start
		daq.StartedMarker(1, 10),
		daq.StartedMarker(2, 10),
		{Time: 15, Code: "stimulus"},
		daq.StartedMarker(1, 20), // duplicate start
		daq.PauseMarker(1, 100),
		daq.PauseMarker(2, 100),
		daq.StartedMarker(1, 700),
	}
	// Out of order input is sorted by time.
	markers[0], markers[5] = markers[5], markers[0]

	periods := PeriodsFromMarkers(markers)
	test.That(t, periods[1], test.ShouldResemble, []Period{{Start: 10, End: ptr(100)}, {Start: 700}})
	test.That(t, periods[2], test.ShouldResemble, []Period{{Start: 10, End: ptr(100)}})
	test.That(t, periods[1][1].Open(), test.ShouldBeTrue)
}

func TestAnchorPrefersTickGap(t *testing.T) {
	times := make([]int64, 2000)
	var tm int64
	for i := range times {
		if i > 0 {
			switch {
			case i == 1005:
				tm += 12
			case i%2 == 0:
				tm++
			}
		}
		times[i] = tm
	}
	test.That(t, AnchorIndex(times, 1000, 1000, 10), test.ShouldEqual, 1005)
}

func TestAnchorFallbacks(t *testing.T) {
	flat := make([]int64, 50)
	test.That(t, AnchorIndex(flat, 10, 20, 10), test.ShouldEqual, 10)

	steps := make([]int64, 50)
	for i := range steps {
		steps[i] = int64(i / 5)
	}
	test.That(t, AnchorIndex(steps, 11, 20, 10), test.ShouldEqual, 15)

	// The reference offset is clamped into short periods.
	test.That(t, AnchorIndex(steps, 1000, 1000, 10), test.ShouldEqual, 49)
	test.That(t, AnchorIndex(nil, 1000, 1000, 10), test.ShouldEqual, 0)
}

func jumpTimeline() []int64 {
	times := make([]int64, 2000)
	for i := range times {
		times[i] = int64(i)
		if i >= 1000 {
			times[i] += 12
		}
	}
	return times
}

func TestRegularTimelineEndToEnd(t *testing.T) {
	times := jumpTimeline()
	anchor := AnchorIndex(times, 1000, 1000, 10)
	test.That(t, anchor, test.ShouldEqual, 1000)

	adj := RegularTimeline(times, anchor, 1)
	test.That(t, adj, test.ShouldHaveLength, 2000)
	for i, v := range adj {
		test.That(t, v, test.ShouldEqual, int64(i))
	}
}

func TestAdjustSensorMismatch(t *testing.T) {
	times := []int64{0, 1, 2, 700, 701, 1500, 1501}
	periods := []Period{{Start: 0, End: ptr(2)}, {Start: 700, End: ptr(701)}}
	_, _, err := AdjustSensor(1, times, periods, DefaultOptions())
	var perr *daq.PeriodMismatchError
	test.That(t, errors.As(err, &perr), test.ShouldBeTrue)
	test.That(t, perr.Markers, test.ShouldEqual, 2)
	test.That(t, perr.Gaps, test.ShouldEqual, 3)
}

func TestAdjustSensorDrift(t *testing.T) {
	times := []int64{100, 101, 102, 103}
	periods := []Period{{Start: 100, End: ptr(110)}}
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t).Sugar()

	adj, found, err := AdjustSensor(1, times, periods, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, adj, test.ShouldHaveLength, 4)
	test.That(t, found, test.ShouldResemble, []Discrepancy{{DeviceID: 1, Period: 1, Expected: 11, Actual: 4}})

	opts.MaxSampleDrift = 5
	_, _, err = AdjustSensor(1, times, periods, opts)
	var serr *daq.SampleCountError
	test.That(t, errors.As(err, &serr), test.ShouldBeTrue)
	test.That(t, serr.Expected, test.ShouldEqual, int64(11))

	_, found, err = AdjustSensor(1, times, []Period{{Start: 100}}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found[0].Open, test.ShouldBeTrue)
}

func writeLog(t *testing.T, dir, name string, schema datafile.Schema, recs []daq.Record) string {
	t.Helper()
	w, err := datafile.CreateUnique(dir, name, "", true, schema)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteComment("Recorded at test"), test.ShouldBeNil)
	test.That(t, w.WriteColumnNames(), test.ShouldBeNil)
	test.That(t, w.WriteRecords(recs), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)
	return w.Path()
}

func TestConvertEndToEndAndIdempotent(t *testing.T) {
	schema := datafile.Schema{Forces: [6]bool{true}}
	var recs []daq.Record
	recs = append(recs, daq.StartedMarker(1, 0))
	for i, tm := range jumpTimeline() {
		recs = append(recs, daq.Sample{DeviceID: 1, Time: tm, Forces: [6]float64{float64(i)}})
	}
	recs = append(recs, daq.ExternalEvent{Time: 5, Payload: "trial"})
	recs = append(recs, daq.PauseMarker(1, 2011))

	dir := t.TempDir()
	src := writeLog(t, dir, "run.csv", schema, recs)

	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t).Sugar()
	res, err := Convert(src, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Output, test.ShouldEqual, filepath.Join(dir, "converted", "run.conv.csv.gz"))
	test.That(t, res.Sensors, test.ShouldHaveLength, 1)
	test.That(t, res.Sensors[0].Samples, test.ShouldEqual, 2000)

	ds, err := datafile.ReadFile(res.Output, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Schema.AdjTime, test.ShouldBeTrue)
	var adj []int64
	for _, l := range ds.Lines {
		if s, ok := l.Record.(daq.Sample); ok {
			adj = append(adj, *l.AdjTime)
			test.That(t, s.Forces[0], test.ShouldEqual, float64(len(adj)-1))
		}
	}
	test.That(t, adj, test.ShouldHaveLength, 2000)
	for i, v := range adj {
		test.That(t, v, test.ShouldEqual, int64(i))
	}
	test.That(t, ds.Markers(), test.ShouldHaveLength, 2)
	test.That(t, ds.Comments, test.ShouldContain, "Recorded at test")

	// Converting again refuses to overwrite.
	_, err = Convert(src, opts)
	test.That(t, err, test.ShouldNotBeNil)

	// Converting the converted output reproduces the same timeline.
	again, err := Convert(res.Output, opts)
	test.That(t, err, test.ShouldBeNil)
	first, err := readAll(res.Output)
	test.That(t, err, test.ShouldBeNil)
	second, err := readAll(again.Output)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldEqual, first)
}

func readAll(path string) (string, error) {
	ds, err := datafile.ReadFile(path, datafile.Schema{})
	if err != nil {
		return "", err
	}
	var b []byte
	for _, l := range ds.Lines {
		if s, ok := l.Record.(daq.Sample); ok {
			b = append(b, ds.Schema.FormatSample(s, *l.AdjTime)...)
			b = append(b, '\n')
		}
	}
	return string(b), nil
}

func TestConvertMismatchWritesNothing(t *testing.T) {
	schema := datafile.Schema{DeviceID: true, Forces: [6]bool{true}}
	recs := []daq.Record{
		daq.StartedMarker(1, 0),
		daq.PauseMarker(1, 2),
		daq.StartedMarker(1, 700),
		daq.PauseMarker(1, 701),
	}
	for _, tm := range []int64{0, 1, 2, 700, 701, 1500, 1501} {
		recs = append(recs, daq.Sample{DeviceID: 1, Time: tm})
	}
	dir := t.TempDir()
	src := writeLog(t, dir, "bad.csv", schema, recs)

	res, err := Convert(src, DefaultOptions())
	var perr *daq.PeriodMismatchError
	test.That(t, errors.As(err, &perr), test.ShouldBeTrue)
	test.That(t, perr.DeviceID, test.ShouldEqual, 1)
	test.That(t, res.Output, test.ShouldBeEmpty)
	test.That(t, res.Sensors[0].Error, test.ShouldNotBeEmpty)

	_, statErr := os.Stat(ConvertedPath(src, "converted", true))
	test.That(t, os.IsNotExist(statErr), test.ShouldBeTrue)
}

func TestConvertSkipsOnlyFailingSensor(t *testing.T) {
	schema := datafile.Schema{DeviceID: true, Forces: [6]bool{true}}
	recs := []daq.Record{
		daq.StartedMarker(1, 0), daq.PauseMarker(1, 3),
		daq.StartedMarker(2, 0), daq.PauseMarker(2, 3),
	}
	for _, tm := range []int64{0, 1, 2, 3} {
		recs = append(recs, daq.Sample{DeviceID: 1, Time: tm})
	}
	for _, tm := range []int64{0, 1, 900, 901} {
		recs = append(recs, daq.Sample{DeviceID: 2, Time: tm})
	}
	src := writeLog(t, t.TempDir(), "two.csv", schema, recs)

	res, err := Convert(src, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, res.Output, test.ShouldNotBeEmpty)

	ds, err := datafile.ReadFile(res.Output, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	for _, s := range ds.Samples() {
		test.That(t, s.DeviceID, test.ShouldEqual, 1)
	}
	test.That(t, ds.Samples(), test.ShouldHaveLength, 4)
}

func TestConvertedPathAndPending(t *testing.T) {
	test.That(t, ConvertedPath("/d/run.csv.gz", "converted", true), test.ShouldEqual, "/d/converted/run.conv.csv.gz")
	test.That(t, ConvertedPath("/d/run.csv", "out", false), test.ShouldEqual, "/d/out/run.conv.csv")

	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv.gz", "notes.txt"} {
		test.That(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644), test.ShouldBeNil)
	}
	test.That(t, os.MkdirAll(filepath.Join(dir, "converted"), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "converted", "a.conv.csv"), nil, 0o644), test.ShouldBeNil)

	pending, err := PendingFiles(dir, "converted")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pending, test.ShouldResemble, []string{filepath.Join(dir, "b.csv.gz")})
}
