package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/sensor"
	"github.com/large-farva/forcedaq/internal/timer"
)

// stepSource returns a frame per read and advances the mock clock by step,
// so every sample gets a distinct timestamp.
type stepSource struct {
	mock   *clock.Mock
	step   time.Duration
	fail   atomic.Bool
	reads  atomic.Int64
	closed atomic.Bool
}

func (s *stepSource) ReadFrame(ctx context.Context) (sensor.Frame, error) {
	if err := ctx.Err(); err != nil {
		return sensor.Frame{}, err
	}
	n := s.reads.Add(1)
	if s.step > 0 {
		s.mock.Add(s.step)
	}
	if s.fail.Load() {
		return sensor.Frame{}, errors.New("adc timeout")
	}
	return sensor.Frame{Raw: [6]float64{1, 2, 3, 4, 5, float64(n)}}, nil
}

func (s *stepSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeRegistrar struct{ entered, released atomic.Int32 }

func (r *fakeRegistrar) Enter(string) func() {
	r.entered.Add(1)
	return func() { r.released.Add(1) }
}

func newTestWorker(t *testing.T, src *stepSource, capacity int) (*Worker, *fakeRegistrar, context.CancelFunc) {
	t.Helper()
	reg := &fakeRegistrar{}
	w := New(Options{
		DeviceID:       1,
		Name:           "left",
		Source:         src,
		Timer:          timer.New(src.mock),
		Logger:         zaptest.NewLogger(t).Sugar(),
		BufferCapacity: capacity,
		Registrar:      reg,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return w, reg, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartRefusedWithoutBias(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: time.Millisecond}
	w, _, cancel := newTestWorker(t, src, 100)
	defer cancel()

	_, err := w.StartPolling(context.Background(), time.Second)
	test.That(t, errors.Is(err, daq.ErrBiasNotReady), test.ShouldBeTrue)
	var berr *daq.BiasNotReadyError
	test.That(t, errors.As(err, &berr), test.ShouldBeTrue)
	test.That(t, berr.DeviceID, test.ShouldEqual, 1)
	test.That(t, w.State(), test.ShouldEqual, StateBiasPending)
}

func TestBiasStartPauseDrain(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: time.Millisecond}
	w, reg, cancel := newTestWorker(t, src, 1000)
	defer cancel()
	ctx := context.Background()

	test.That(t, w.Latest(), test.ShouldBeNil)
	bias, err := w.DetermineBias(ctx, 10, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bias[0], test.ShouldEqual, 1.0)
	test.That(t, bias[5], test.ShouldEqual, 5.5)
	test.That(t, w.IsBiased(), test.ShouldBeTrue)
	test.That(t, w.State(), test.ShouldEqual, StateReady)

	_, err = w.StartPolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func() bool { return w.SampleCount() >= 50 })

	_, wasActive, err := w.PausePolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wasActive, test.ShouldBeTrue)
	test.That(t, w.State(), test.ShouldEqual, StatePaused)

	buf, err := w.GetBuffer(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int64(len(buf)), test.ShouldEqual, w.SampleCount())
	for i := 1; i < len(buf); i++ {
		test.That(t, buf[i].Time > buf[i-1].Time, test.ShouldBeTrue)
	}
	// Bias is subtracted from every channel.
	test.That(t, buf[0].Forces[0], test.ShouldEqual, 0.0)
	test.That(t, buf[0].DeviceID, test.ShouldEqual, 1)
	// Latest survives the drain.
	test.That(t, w.Latest(), test.ShouldNotBeNil)
	test.That(t, *w.Latest(), test.ShouldResemble, buf[len(buf)-1])

	// Paused twice: the second drain is empty.
	_, wasActive, err = w.PausePolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wasActive, test.ShouldBeFalse)
	buf, err = w.GetBuffer(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf, test.ShouldBeEmpty)

	test.That(t, reg.entered.Load(), test.ShouldEqual, int32(1))
}

func TestBufferFullStopsReading(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: time.Millisecond}
	w, _, cancel := newTestWorker(t, src, 20)
	defer cancel()
	ctx := context.Background()

	_, err := w.DetermineBias(ctx, 1, time.Second)
	test.That(t, err, test.ShouldBeNil)
	_, err = w.StartPolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func() bool { return w.SampleCount() >= 20 })

	reads := src.reads.Load()
	time.Sleep(20 * time.Millisecond)
	test.That(t, src.reads.Load(), test.ShouldEqual, reads)

	buf, err := w.GetBuffer(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf, test.ShouldHaveLength, 20)

	// Reading resumes once drained.
	waitFor(t, func() bool { return w.SampleCount() >= 40 })
}

func TestBiasTimeout(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: 10 * time.Millisecond}
	src.fail.Store(true)
	w, _, cancel := newTestWorker(t, src, 100)
	defer cancel()

	_, err := w.DetermineBias(context.Background(), 5, 100*time.Millisecond)
	var berr *daq.BiasComputationError
	test.That(t, errors.As(err, &berr), test.ShouldBeTrue)
	test.That(t, berr.Got, test.ShouldEqual, 0)
	test.That(t, berr.Wanted, test.ShouldEqual, 5)
	test.That(t, w.IsBiased(), test.ShouldBeFalse)
	test.That(t, w.State(), test.ShouldEqual, StateBiasPending)
}

func TestShutdownFlushesBuffer(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: time.Millisecond}
	w, reg, cancel := newTestWorker(t, src, 1000)
	defer cancel()
	ctx := context.Background()

	_, err := w.DetermineBias(ctx, 1, time.Second)
	test.That(t, err, test.ShouldBeNil)
	_, err = w.StartPolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func() bool { return w.SampleCount() >= 10 })

	buf, err := w.Shutdown(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int64(len(buf)), test.ShouldEqual, w.SampleCount())
	test.That(t, w.State(), test.ShouldEqual, StateTerminated)
	test.That(t, src.closed.Load(), test.ShouldBeTrue)
	test.That(t, reg.released.Load(), test.ShouldEqual, int32(1))

	_, err = w.GetBuffer(ctx, time.Second)
	test.That(t, errors.Is(err, ErrTerminated), test.ShouldBeTrue)
}

func TestTransientReadErrorsCounted(t *testing.T) {
	src := &stepSource{mock: clock.NewMock(), step: time.Millisecond}
	w, _, cancel := newTestWorker(t, src, 1000)
	defer cancel()
	ctx := context.Background()

	_, err := w.DetermineBias(ctx, 1, time.Second)
	test.That(t, err, test.ShouldBeNil)
	src.fail.Store(true)
	_, err = w.StartPolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func() bool { return w.ReadErrors() >= 5 })
	test.That(t, w.State(), test.ShouldEqual, StateActive)
}

// stallSource answers good reads, then blocks until released without
// looking at ctx, like a driver stuck in a syscall.
type stallSource struct {
	good    int64
	reads   atomic.Int64
	release chan struct{}
	once    sync.Once
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
	time.Sleep(100 * time.Microsecond)
	return sensor.Frame{Raw: [6]float64{float64(n)}}, nil
}

func (s *stallSource) Release() { s.once.Do(func() { close(s.release) }) }

func (s *stallSource) Close() error {
	s.Release()
	return nil
}

func newStallWorker(t *testing.T, src *stallSource) (*Worker, context.CancelFunc) {
	t.Helper()
	w := New(Options{
		DeviceID:       1,
		Name:           "left",
		Source:         src,
		Timer:          timer.New(clock.New()),
		Logger:         zaptest.NewLogger(t).Sugar(),
		BufferCapacity: 1000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return w, func() {
		src.Release()
		cancel()
	}
}

func TestPauseBoundedWhenReadBlocks(t *testing.T) {
	src := newStallSource(5)
	w, stop := newStallWorker(t, src)
	defer stop()
	ctx := context.Background()

	_, err := w.DetermineBias(ctx, 1, time.Second)
	test.That(t, err, test.ShouldBeNil)
	_, err = w.StartPolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	waitFor(t, func() bool { return src.reads.Load() > src.good })

	began := time.Now()
	_, _, err = w.PausePolling(ctx, 100*time.Millisecond)
	test.That(t, time.Since(began) < 2*time.Second, test.ShouldBeTrue)
	var terr *daq.DrainTimeoutError
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.DeviceID, test.ShouldEqual, 1)
	test.That(t, terr.Op, test.ShouldEqual, "pause")

	_, err = w.GetBuffer(ctx, 100*time.Millisecond)
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.Op, test.ShouldEqual, "drain")

	// The pause still lands once the read returns; the abandoned drain does
	// not swallow the samples.
	src.Release()
	waitFor(t, func() bool { return w.State() == StatePaused })
	buf, err := w.GetBuffer(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf, test.ShouldNotBeEmpty)
	test.That(t, int64(len(buf)), test.ShouldEqual, w.SampleCount())
}

func TestBiasBoundedWhenReadBlocks(t *testing.T) {
	src := newStallSource(2)
	w, stop := newStallWorker(t, src)
	defer stop()

	began := time.Now()
	_, err := w.DetermineBias(context.Background(), 5, 100*time.Millisecond)
	test.That(t, time.Since(began) < 2*time.Second, test.ShouldBeTrue)
	var berr *daq.BiasComputationError
	test.That(t, errors.As(err, &berr), test.ShouldBeTrue)
	test.That(t, berr.Wanted, test.ShouldEqual, 5)
	test.That(t, berr.Got, test.ShouldEqual, 2)
	test.That(t, w.IsBiased(), test.ShouldBeFalse)

	src.Release()
	waitFor(t, func() bool { return w.State() == StateBiasPending })
	test.That(t, w.IsBiased(), test.ShouldBeFalse)
}

func TestTimedOutStartNeverRuns(t *testing.T) {
	src := newStallSource(1)
	w, stop := newStallWorker(t, src)
	defer stop()
	ctx := context.Background()

	_, err := w.DetermineBias(ctx, 1, time.Second)
	test.That(t, err, test.ShouldBeNil)

	// A second bias blocks the loop in a read.
	biasDone := make(chan error, 1)
	go func() {
		_, err := w.DetermineBias(ctx, 3, 100*time.Millisecond)
		biasDone <- err
	}()
	waitFor(t, func() bool { return src.reads.Load() > src.good })

	_, err = w.StartPolling(ctx, 100*time.Millisecond)
	var terr *daq.DrainTimeoutError
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.Op, test.ShouldEqual, "start")

	var berr *daq.BiasComputationError
	test.That(t, errors.As(<-biasDone, &berr), test.ShouldBeTrue)

	src.Release()
	_, wasActive, err := w.PausePolling(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wasActive, test.ShouldBeFalse)
	test.That(t, w.State(), test.ShouldEqual, StateReady)
	test.That(t, w.IsBiased(), test.ShouldBeTrue)
}
