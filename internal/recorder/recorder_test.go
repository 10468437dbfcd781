package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/events"
	"github.com/large-farva/forcedaq/internal/sensor"
	"github.com/large-farva/forcedaq/internal/timer"
)

// tickSource yields a frame per read after a short real sleep, so samples
// arrive at a steady pace without busy looping.
type tickSource struct {
	reads  atomic.Int64
	closed atomic.Bool
}

func (s *tickSource) ReadFrame(ctx context.Context) (sensor.Frame, error) {
	select {
	case <-ctx.Done():
		return sensor.Frame{}, ctx.Err()
	case <-time.After(200 * time.Microsecond):
	}
	n := s.reads.Add(1)
	return sensor.Frame{Raw: [6]float64{float64(n), 1, 1, 1, 1, 1}, Trigger: [2]float64{1, 0}}, nil
}

func (s *tickSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fixture struct {
	rec      *Recorder
	loopback *events.Loopback
	sources  []*tickSource
	dir      string
}

// stallSource answers good reads, then blocks until closed without looking
// at ctx, like a driver stuck in a syscall.
type stallSource struct {
	good    int64
	reads   atomic.Int64
	release chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newStallSource(good int64) *stallSource {
	return &stallSource{good: good, release: make(chan struct{})}
}

func (s *stallSource) ReadFrame(ctx context.Context) (sensor.Frame, error) {
	n := s.reads.Add(1)
	if n > s.good {
		<-s.release
		if err := ctx.Err(); err != nil {
			return sensor.Frame{}, err
		}
	}
	time.Sleep(200 * time.Microsecond)
	return sensor.Frame{Raw: [6]float64{float64(n), 1, 1, 1, 1, 1}}, nil
}

func (s *stallSource) Release() { s.once.Do(func() { close(s.release) }) }

func (s *stallSource) Close() error {
	s.closed.Store(true)
	s.Release()
	return nil
}

func newFixture(t *testing.T, deviceIDs ...int) *fixture {
	t.Helper()
	srcs := make([]sensor.Source, len(deviceIDs))
	var ticks []*tickSource
	for i := range deviceIDs {
		src := &tickSource{}
		ticks = append(ticks, src)
		srcs[i] = src
	}
	f := newSourceFixture(t, time.Second, deviceIDs, srcs)
	f.sources = ticks
	return f
}

// newSourceFixture builds a recorder over the given sources. timeout bounds
// every drain, join and bias.
func newSourceFixture(t *testing.T, timeout time.Duration, deviceIDs []int, srcs []sensor.Source) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	tm := timer.New(clock.New())

	f := &fixture{loopback: events.NewLoopback(16, tm), dir: t.TempDir()}
	var sensors []Sensor
	for i, id := range deviceIDs {
		sensors = append(sensors, Sensor{
			Config: config.SensorConfig{DeviceID: id, Name: "s", CalibrationFile: "FT1234.cal"},
			Source: srcs[i],
			Info:   sensor.Info{Backend: "dummy"},
		})
	}
	ch := events.NewChannel(events.Options{Backend: f.loopback, Timer: tm, Logger: logger})

	rec, err := New(context.Background(), Options{
		Sensors:        sensors,
		Schema:         datafile.FullSchema(),
		Events:         ch,
		Timer:          tm,
		Logger:         logger,
		Settle:         10 * time.Millisecond,
		DrainTimeout:   timeout,
		JoinTimeout:    timeout,
		BiasSamples:    5,
		BiasTimeout:    timeout,
		BufferCapacity: 100000,
		Version:        "test",
	})
	test.That(t, err, test.ShouldBeNil)
	f.rec = rec
	t.Cleanup(func() { _ = rec.Quit(context.Background()) })
	return f
}

func (f *fixture) waitSamples(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ready := true
		for _, st := range f.rec.Sensors() {
			if st.Samples < n {
				ready = false
			}
		}
		if ready {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("sensors did not read %d samples", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitEventsPolled(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.loopback.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("events not polled")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestStartRefusedWithoutBias(t *testing.T) {
	f := newFixture(t, 1, 2)
	path, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "run.csv", ColumnNames: true})
	test.That(t, err, test.ShouldBeNil)

	err = f.rec.StartRecording(context.Background(), false)
	test.That(t, errors.Is(err, daq.ErrBiasNotReady), test.ShouldBeTrue)
	var nerr *daq.SensorsNotBiasedError
	test.That(t, errors.As(err, &nerr), test.ShouldBeTrue)
	test.That(t, nerr.DeviceIDs, test.ShouldResemble, []int{1, 2})
	test.That(t, f.rec.State(), test.ShouldEqual, StateIdle)

	for _, s := range f.rec.Sensors() {
		test.That(t, s.State, test.ShouldNotEqual, "ACTIVE")
	}

	// Nothing was started, so the pause has nothing to write.
	data, err := f.rec.PauseRecording(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldBeEmpty)
	test.That(t, f.rec.CloseLog(), test.ShouldBeNil)

	ds, err := datafile.ReadFile(path, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Lines, test.ShouldBeEmpty)
}

func TestRecordPauseWritesEverything(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	path, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "run.csv", ColumnNames: true, Comment: "subject 7"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.rec.SessionID(), test.ShouldNotBeEmpty)

	test.That(t, f.rec.StartRecording(ctx, true), test.ShouldBeNil)
	test.That(t, f.rec.State(), test.ShouldEqual, StateRecording)
	f.waitSamples(t, 20)

	f.rec.SaveDAQEvent("stimulus")
	test.That(t, f.loopback.Send("trial 1"), test.ShouldBeNil)
	test.That(t, f.loopback.Send("$cmd marker x"), test.ShouldBeNil)
	f.waitEventsPolled(t)

	data, err := f.rec.PauseRecording(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.rec.State(), test.ShouldEqual, StatePaused)

	var samples, externals int
	var codes []string
	for _, rec := range data {
		switch r := rec.(type) {
		case daq.Sample:
			samples++
		case daq.ExternalEvent:
			externals++
		case daq.MarkerEvent:
			codes = append(codes, r.Code)
		}
	}
	test.That(t, samples, test.ShouldBeGreaterThanOrEqualTo, 40)
	test.That(t, externals, test.ShouldEqual, 2)
	test.That(t, codes, test.ShouldResemble, []string{"started:1", "started:2", "stimulus", "pause:1", "pause:2"})

	// A second pause has nothing left to drain.
	again, err := f.rec.PauseRecording(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldBeEmpty)

	test.That(t, f.rec.CloseLog(), test.ShouldBeNil)
	ds, err := datafile.ReadFile(path, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Samples(), test.ShouldHaveLength, samples)
	test.That(t, ds.Markers(), test.ShouldHaveLength, 5)
	test.That(t, strings.Join(ds.Comments, "\n"), test.ShouldContainSubstring, "cal-file=FT1234.cal")
	test.That(t, strings.Join(ds.Comments, "\n"), test.ShouldContainSubstring, "subject 7")

	var written []string
	for _, l := range ds.Lines {
		if ev, ok := l.Record.(daq.ExternalEvent); ok {
			written = append(written, ev.Payload)
		}
	}
	test.That(t, written, test.ShouldResemble, []string{"trial 1"})
}

func TestProcessEventsWritesImmediately(t *testing.T) {
	f := newFixture(t, 1)
	path, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "events.csv"})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.loopback.Send("hello"), test.ShouldBeNil)
	f.waitEventsPolled(t)
	evs := f.rec.ProcessEvents()
	test.That(t, evs, test.ShouldHaveLength, 1)

	b, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldContainSubstring, "#UDP,")
	test.That(t, string(b), test.ShouldContainSubstring, ",hello")
}

func TestOpenLogNeverOverwrites(t *testing.T) {
	f := newFixture(t, 1)
	first, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "run.csv"})
	test.That(t, err, test.ShouldBeNil)
	second, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "run.csv", Zipped: true})
	test.That(t, err, test.ShouldBeNil)
	third, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "run.csv"})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, first, test.ShouldEqual, filepath.Join(f.dir, "run.csv"))
	test.That(t, second, test.ShouldEqual, filepath.Join(f.dir, "run.csv.gz"))
	test.That(t, third, test.ShouldEqual, filepath.Join(f.dir, "run_1.csv"))
	test.That(t, f.rec.FilePath(), test.ShouldEqual, third)
}

func TestQuitFlushesAndIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	path, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "quit.csv", ColumnNames: true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.rec.StartRecording(ctx, true), test.ShouldBeNil)
	f.waitSamples(t, 10)

	test.That(t, f.rec.Quit(ctx), test.ShouldBeNil)
	test.That(t, f.rec.State(), test.ShouldEqual, StateClosed)
	test.That(t, f.rec.FilePath(), test.ShouldBeEmpty)
	test.That(t, f.sources[0].closed.Load(), test.ShouldBeTrue)
	test.That(t, f.rec.Quit(ctx), test.ShouldBeNil)

	err = f.rec.StartRecording(ctx, false)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)

	ds, err := datafile.ReadFile(path, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(ds.Samples()), test.ShouldBeGreaterThanOrEqualTo, 10)
	markers := ds.Markers()
	test.That(t, markers[len(markers)-1].Code, test.ShouldEqual, "pause:1")
}

// newStalledFixture pairs a steady sensor 1 with a sensor 2 that stalls
// after good reads.
func newStalledFixture(t *testing.T, good int64) (*fixture, *stallSource) {
	t.Helper()
	stall := newStallSource(good)
	steady := &tickSource{}
	f := newSourceFixture(t, 200*time.Millisecond, []int{1, 2}, []sensor.Source{steady, stall})
	f.sources = []*tickSource{steady}
	t.Cleanup(stall.Release)
	return f, stall
}

func (f *fixture) waitSteadySamples(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.rec.Sensors()[0].Samples < n {
		if time.Now().After(deadline) {
			t.Fatalf("sensor 1 did not read %d samples", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPauseBoundedWithStalledSensor(t *testing.T) {
	f, stall := newStalledFixture(t, 50)
	ctx := context.Background()
	path, err := f.rec.OpenLog(FileOptions{Dir: f.dir, Filename: "stall.csv", ColumnNames: true})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.rec.StartRecording(ctx, true), test.ShouldBeNil)
	f.waitSteadySamples(t, 100)
	for stall.reads.Load() <= stall.good {
		time.Sleep(time.Millisecond)
	}

	began := time.Now()
	data, err := f.rec.PauseRecording(ctx)
	test.That(t, time.Since(began) < 3*time.Second, test.ShouldBeTrue)
	var terr *daq.DrainTimeoutError
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.DeviceID, test.ShouldEqual, 2)

	var steady int
	for _, rec := range data {
		if s, ok := rec.(daq.Sample); ok {
			test.That(t, s.DeviceID, test.ShouldEqual, 1)
			steady++
		}
	}
	test.That(t, steady, test.ShouldBeGreaterThanOrEqualTo, 100)

	test.That(t, f.rec.CloseLog(), test.ShouldBeNil)
	ds, err := datafile.ReadFile(path, datafile.Schema{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Samples(), test.ShouldHaveLength, steady)
}

func TestQuitBoundedWithStalledSensor(t *testing.T) {
	f, stall := newStalledFixture(t, 50)
	ctx := context.Background()

	test.That(t, f.rec.StartRecording(ctx, true), test.ShouldBeNil)
	for stall.reads.Load() <= stall.good {
		time.Sleep(time.Millisecond)
	}

	began := time.Now()
	err := f.rec.Quit(ctx)
	test.That(t, time.Since(began) < 3*time.Second, test.ShouldBeTrue)
	var jerr *daq.JoinTimeoutError
	test.That(t, errors.As(err, &jerr), test.ShouldBeTrue)
	test.That(t, jerr.Context, test.ShouldEqual, "sensor 2")
	test.That(t, f.rec.State(), test.ShouldEqual, StateClosed)
	// The stalled source is closed to unblock its read.
	test.That(t, stall.closed.Load(), test.ShouldBeTrue)
	test.That(t, f.sources[0].closed.Load(), test.ShouldBeTrue)
}

func TestBiasBoundedWithStalledSensor(t *testing.T) {
	f, _ := newStalledFixture(t, 2)

	began := time.Now()
	err := f.rec.DetermineBiases(context.Background())
	test.That(t, time.Since(began) < 3*time.Second, test.ShouldBeTrue)
	var berr *daq.BiasComputationError
	test.That(t, errors.As(err, &berr), test.ShouldBeTrue)
	test.That(t, berr.DeviceID, test.ShouldEqual, 2)
	test.That(t, berr.Got, test.ShouldEqual, 2)

	sensors := f.rec.Sensors()
	test.That(t, sensors[0].Biased, test.ShouldBeTrue)
	test.That(t, sensors[1].Biased, test.ShouldBeFalse)
}

func TestFailedStartClosesStartedPeriods(t *testing.T) {
	f, stall := newStalledFixture(t, 5)
	ctx := context.Background()

	test.That(t, f.rec.DetermineBiases(ctx), test.ShouldBeNil)
	// A second bias leaves sensor 2 blocked in a read, still biased.
	var berr *daq.BiasComputationError
	test.That(t, errors.As(f.rec.DetermineBiases(ctx), &berr), test.ShouldBeTrue)

	err := f.rec.StartRecording(ctx, false)
	var terr *daq.DrainTimeoutError
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.DeviceID, test.ShouldEqual, 2)
	test.That(t, f.rec.State(), test.ShouldNotEqual, StateRecording)

	stall.Release()
	data, err := f.rec.PauseRecording(ctx)
	test.That(t, err, test.ShouldBeNil)
	var codes []string
	for _, rec := range data {
		switch r := rec.(type) {
		case daq.Sample:
			test.That(t, r.DeviceID, test.ShouldEqual, 1)
		case daq.MarkerEvent:
			codes = append(codes, r.Code)
		}
	}
	test.That(t, codes, test.ShouldResemble, []string{"started:1", "pause:1"})
	for _, s := range f.rec.Sensors() {
		test.That(t, s.State, test.ShouldNotEqual, "ACTIVE")
	}
}
