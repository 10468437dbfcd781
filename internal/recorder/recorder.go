// Package recorder orchestrates the sampling workers and the event channel
// and serializes everything they produce to the recording log.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/events"
	"github.com/large-farva/forcedaq/internal/priority"
	"github.com/large-farva/forcedaq/internal/sensor"
	"github.com/large-farva/forcedaq/internal/timer"
	"github.com/large-farva/forcedaq/internal/worker"
)

// State is the recording state.
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StatePaused    State = "PAUSED"
	StateClosed    State = "CLOSED"
)

// ErrClosed is returned by operations on a recorder that has quit.
var ErrClosed = errors.New("recorder closed")

// Sensor is an opened sensor handed to the recorder.
type Sensor struct {
	Config config.SensorConfig
	Source sensor.Source
	Info   sensor.Info
}

// Options configure a Recorder.
type Options struct {
	Sensors []Sensor
	Schema  datafile.Schema
	// Events is optional. The recorder runs and stops it.
	Events *events.Channel
	Timer  *timer.Timer
	Logger *zap.SugaredLogger

	Settle         time.Duration
	DrainTimeout   time.Duration
	JoinTimeout    time.Duration
	BiasSamples    int
	BiasTimeout    time.Duration
	BufferCapacity int

	Priority    priority.Level
	Coordinator *priority.Coordinator

	// WriteControlEvents also logs remote-control commands.
	WriteControlEvents bool
	Version            string
}

// FileOptions describe a new log file.
type FileOptions struct {
	Dir               string
	Filename          string
	TimestampFilename bool
	ColumnNames       bool
	Comment           string
	Zipped            bool
}

// SensorStatus is a point-in-time view of one sensor.
type SensorStatus struct {
	DeviceID        int        `json:"device_id"`
	Name            string     `json:"name"`
	Backend         string     `json:"backend"`
	Degraded        bool       `json:"degraded"`
	CalibrationFile string     `json:"calibration_file,omitempty"`
	State           string     `json:"state"`
	Biased          bool       `json:"biased"`
	Bias            [6]float64 `json:"bias"`
	Samples         int64      `json:"samples"`
	ReadErrors      int64      `json:"read_errors"`
	// Latest is the most recent calibrated sample, read while polling.
	Latest *daq.Sample `json:"latest,omitempty"`
}

// Recorder drives the recording lifecycle. Mutating methods are serialized;
// status methods never block on a running pause.
type Recorder struct {
	opts    Options
	log     *zap.SugaredLogger
	timer   *timer.Timer
	sensors []Sensor
	workers []*worker.Worker
	events  *events.Channel
	cancel  context.CancelFunc

	mu      sync.Mutex
	writer  *datafile.Writer
	pending []daq.MarkerEvent

	state   atomic.Value // State
	path    atomic.Value // string
	session atomic.Value // string
}

// New creates one worker per sensor and starts the sampling and event
// goroutines. They run until Quit, whatever happens to ctx.
func New(ctx context.Context, opts Options) (*Recorder, error) {
	if len(opts.Sensors) == 0 {
		return nil, &daq.ConfigurationError{Key: "sensors", Reason: "at least one sensor is required"}
	}
	if opts.Timer == nil {
		opts.Timer = timer.New(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.BiasSamples < 1 {
		opts.BiasSamples = 1000
	}
	if opts.BiasTimeout <= 0 {
		opts.BiasTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}

	// Workers outlive ctx; only Quit stops them.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Recorder{
		opts:    opts,
		log:     opts.Logger,
		timer:   opts.Timer,
		sensors: opts.Sensors,
		events:  opts.Events,
		cancel:  cancel,
	}
	r.state.Store(StateIdle)
	r.path.Store("")
	r.session.Store("")

	var registrar worker.ThreadRegistrar
	if opts.Coordinator != nil {
		opts.Coordinator.SetLevel(opts.Priority)
		registrar = opts.Coordinator
	}

	for _, s := range opts.Sensors {
		w := worker.New(worker.Options{
			DeviceID:       s.Config.DeviceID,
			Name:           s.Config.Name,
			Source:         s.Source,
			Calibrator:     sensor.NewCalibrator(s.Config),
			Timer:          opts.Timer,
			Logger:         opts.Logger,
			BufferCapacity: opts.BufferCapacity,
			Registrar:      registrar,
		})
		r.workers = append(r.workers, w)
		go w.Run(ctx)
	}
	if r.events != nil {
		go r.events.Run(ctx)
	}
	return r, nil
}

// State returns the recording state.
func (r *Recorder) State() State { return r.state.Load().(State) }

// FilePath returns the open log path, or "".
func (r *Recorder) FilePath() string { return r.path.Load().(string) }

// SessionID returns the id written to the header of the open log.
func (r *Recorder) SessionID() string { return r.session.Load().(string) }

// Schema returns the sample column layout of written logs.
func (r *Recorder) Schema() datafile.Schema { return r.opts.Schema }

// Sensors returns a snapshot of every sensor.
func (r *Recorder) Sensors() []SensorStatus {
	out := make([]SensorStatus, len(r.workers))
	for i, w := range r.workers {
		s := r.sensors[i]
		out[i] = SensorStatus{
			DeviceID:        w.DeviceID(),
			Name:            w.Name(),
			Backend:         s.Info.Backend,
			Degraded:        s.Info.Degraded,
			CalibrationFile: s.Config.CalibrationFile,
			State:           w.State().String(),
			Biased:          w.IsBiased(),
			Bias:            w.Bias(),
			Samples:         w.SampleCount(),
			ReadErrors:      w.ReadErrors(),
			Latest:          w.Latest(),
		}
	}
	return out
}

// Priorities reads back the scheduling priority of every worker and of the
// event channel.
func (r *Recorder) Priorities() []priority.Report {
	if r.opts.Coordinator == nil {
		return nil
	}
	return r.opts.Coordinator.Reports()
}

// OpenLog closes any open log and creates a new one. Existing files are
// never overwritten; a counter is added to the name instead.
func (r *Recorder) OpenLog(fo FileOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateClosed {
		return "", ErrClosed
	}
	if err := r.closeLogLocked(); err != nil {
		r.log.Warnw("closing previous log", "error", err)
	}

	now := r.timer.Clock().Now()
	stamp := ""
	if fo.TimestampFilename {
		stamp = now.Format("200601021504")
	}
	w, err := datafile.CreateUnique(fo.Dir, fo.Filename, stamp, fo.Zipped, r.opts.Schema)
	if err != nil {
		return "", fmt.Errorf("open log: %w", err)
	}

	session := uuid.NewString()
	err = w.WriteComment(fmt.Sprintf("Recorded at %s with forcedaq %s", now.Format(time.ANSIC), r.opts.Version))
	err = multierr.Append(err, w.WriteComment(" Session: "+session))
	for _, s := range r.sensors {
		line := fmt.Sprintf(" Sensor: id=%d, name=%s, cal-file=%s, backend=%s",
			s.Config.DeviceID, s.Config.Name, s.Config.CalibrationFile, s.Info.Backend)
		if s.Info.Degraded {
			line += " (degraded)"
		}
		err = multierr.Append(err, w.WriteComment(line))
	}
	if fo.Comment != "" {
		err = multierr.Append(err, w.WriteComment(fo.Comment))
	}
	if fo.ColumnNames {
		err = multierr.Append(err, w.WriteColumnNames())
	}
	err = multierr.Append(err, w.Flush())
	if err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write header: %w", err)
	}

	r.writer = w
	r.path.Store(w.Path())
	r.session.Store(session)
	r.log.Infow("log opened", "path", w.Path(), "session", session)
	return w.Path(), nil
}

// CloseLog closes the open log. Later writes are dropped.
func (r *Recorder) CloseLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLogLocked()
}

func (r *Recorder) closeLogLocked() error {
	if r.writer == nil {
		return nil
	}
	path := r.writer.Path()
	err := r.writer.Close()
	r.writer = nil
	r.path.Store("")
	r.session.Store("")
	if err != nil {
		return fmt.Errorf("close log %s: %w", path, err)
	}
	r.log.Infow("log closed", "path", path)
	return nil
}

// DetermineBiases pauses recording and determines the bias of every sensor
// in parallel.
func (r *Recorder) DetermineBiases(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.determineBiasesLocked(ctx)
}

func (r *Recorder) determineBiasesLocked(ctx context.Context) error {
	if r.State() == StateClosed {
		return ErrClosed
	}
	if _, err := r.pauseLocked(ctx); err != nil {
		return err
	}

	errs := make([]error, len(r.workers))
	var g errgroup.Group
	for i, w := range r.workers {
		i, w := i, w
		g.Go(func() error {
			_, errs[i] = w.DetermineBias(ctx, r.opts.BiasSamples, r.opts.BiasTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// StartRecording starts every worker, or none. It fails with a
// *daq.SensorsNotBiasedError while any sensor lacks a bias.
func (r *Recorder) StartRecording(ctx context.Context, determineBias bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateClosed:
		return ErrClosed
	case StateRecording:
		return nil
	}

	if determineBias {
		if err := r.determineBiasesLocked(ctx); err != nil {
			return err
		}
	}

	var missing []int
	for _, w := range r.workers {
		if !w.IsBiased() {
			missing = append(missing, w.DeviceID())
		}
	}
	if len(missing) > 0 {
		return &daq.SensorsNotBiasedError{DeviceIDs: missing}
	}

	markers := make([]daq.MarkerEvent, 0, len(r.workers))
	for i, w := range r.workers {
		t, err := w.StartPolling(ctx, r.opts.DrainTimeout)
		if err != nil {
			// Sensors that did start have buffered samples; they get a
			// closed period so the next pause writes them consistently.
			for j, started := range r.workers[:i] {
				r.pending = append(r.pending, markers[j])
				pt, wasActive, perr := started.PausePolling(ctx, r.opts.DrainTimeout)
				if perr != nil {
					err = multierr.Append(err, perr)
					continue
				}
				if wasActive {
					r.pending = append(r.pending, daq.PauseMarker(started.DeviceID(), pt))
				}
			}
			return fmt.Errorf("start sensor %d: %w", w.DeviceID(), err)
		}
		markers = append(markers, daq.StartedMarker(w.DeviceID(), t))
	}
	r.pending = append(r.pending, markers...)
	r.state.Store(StateRecording)
	r.log.Infow("recording started", "sensors", len(r.workers))
	return nil
}

// PauseRecording is the pause barrier: every worker is paused, the buffers
// are drained after the settle time, and samples, external events and
// markers are written in that order. The returned records are everything
// written. Drain failures are returned together with the data that could be
// collected.
func (r *Recorder) PauseRecording(ctx context.Context) ([]daq.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateClosed {
		return nil, nil
	}
	return r.pauseLocked(ctx)
}

func (r *Recorder) pauseLocked(ctx context.Context) ([]daq.Record, error) {
	var errs error
	anyActive := false
	unresponsive := make([]bool, len(r.workers))
	for i, w := range r.workers {
		t, wasActive, err := w.PausePolling(ctx, r.opts.DrainTimeout)
		if err != nil {
			var terr *daq.DrainTimeoutError
			unresponsive[i] = errors.As(err, &terr)
			errs = multierr.Append(errs, fmt.Errorf("pause sensor %d: %w", w.DeviceID(), err))
			continue
		}
		if wasActive {
			anyActive = true
			r.pending = append(r.pending, daq.PauseMarker(w.DeviceID(), t))
		}
	}
	if anyActive {
		r.timer.Wait(ctx, r.opts.Settle)
	}

	var data []daq.Record
	for i, w := range r.workers {
		if unresponsive[i] {
			continue
		}
		buf, err := w.GetBuffer(ctx, r.opts.DrainTimeout)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		recs := make([]daq.Record, len(buf))
		for i, s := range buf {
			recs[i] = s
		}
		errs = multierr.Append(errs, r.writeLocked(recs))
		data = append(data, recs...)
	}

	for _, ev := range r.processEventsLocked() {
		data = append(data, ev)
	}

	markers := make([]daq.Record, len(r.pending))
	for i, m := range r.pending {
		markers[i] = m
	}
	r.pending = nil
	errs = multierr.Append(errs, r.writeLocked(markers))
	data = append(data, markers...)

	if r.writer != nil {
		errs = multierr.Append(errs, r.writer.Flush())
	}
	if r.State() == StateRecording {
		r.state.Store(StatePaused)
		r.log.Infow("recording paused", "records", len(data))
	}
	return data, errs
}

// SaveDAQEvent queues a marker stamped now. Markers are written at the next
// pause.
func (r *Recorder) SaveDAQEvent(code string) daq.MarkerEvent {
	return r.SaveDAQEventAt(code, r.timer.Millis())
}

// SaveDAQEventAt queues a marker with an explicit time.
func (r *Recorder) SaveDAQEventAt(code string, t int64) daq.MarkerEvent {
	m := daq.MarkerEvent{Time: t, Code: code}
	r.mu.Lock()
	r.pending = append(r.pending, m)
	r.mu.Unlock()
	return m
}

// ProcessEvents takes every queued external event, writes the ones that are
// not control commands, and returns all of them.
func (r *Recorder) ProcessEvents() []daq.ExternalEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.processEventsLocked()
	if r.writer != nil && len(evs) > 0 {
		if err := r.writer.Flush(); err != nil {
			r.log.Warnw("flushing events", "error", err)
		}
	}
	return evs
}

func (r *Recorder) processEventsLocked() []daq.ExternalEvent {
	if r.events == nil {
		return nil
	}
	evs := r.events.Drain()
	recs := make([]daq.Record, 0, len(evs))
	for _, ev := range evs {
		if ev.IsControlCommand && !r.opts.WriteControlEvents {
			continue
		}
		recs = append(recs, ev)
	}
	if err := r.writeLocked(recs); err != nil {
		r.log.Warnw("writing events", "error", err)
	}
	return evs
}

// writeLocked writes recs when a log is open.
func (r *Recorder) writeLocked(recs []daq.Record) error {
	if r.writer == nil || len(recs) == 0 {
		return nil
	}
	if err := r.writer.WriteRecords(recs); err != nil {
		return fmt.Errorf("write %s: %w", r.writer.Path(), err)
	}
	return nil
}

func (r *Recorder) joinWorkers() {
	t := r.timer.Clock().Timer(r.opts.JoinTimeout)
	defer t.Stop()
	expired := false
	for i, w := range r.workers {
		if !expired {
			select {
			case <-w.Done():
				continue
			case <-t.C:
				expired = true
			}
		}
		select {
		case <-w.Done():
			continue
		default:
		}
		r.log.Warnw("closing source of unresponsive sensor", "device_id", w.DeviceID())
		if err := r.sensors[i].Source.Close(); err != nil {
			r.log.Warnw("closing source", "device_id", w.DeviceID(), "error", err)
		}
	}
}

// Quit pauses, shuts the workers down writing their final buffers, stops
// the event channel and closes the log. Calling it again is a no-op. A
// *daq.JoinTimeoutError is returned for any context that did not stop in
// time.
func (r *Recorder) Quit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateClosed {
		return nil
	}

	_, errs := r.pauseLocked(ctx)

	for _, w := range r.workers {
		buf, err := w.Shutdown(ctx, r.opts.JoinTimeout)
		if err != nil && !errors.Is(err, worker.ErrTerminated) {
			errs = multierr.Append(errs, err)
		}
		recs := make([]daq.Record, len(buf))
		for i, s := range buf {
			recs[i] = s
		}
		errs = multierr.Append(errs, r.writeLocked(recs))
	}

	// Workers still blocked in a read are cancelled; sources that ignore
	// cancellation are closed once the join budget is spent.
	r.cancel()
	r.joinWorkers()
	if r.events != nil {
		select {
		case <-r.events.Done():
		case <-r.timer.Clock().After(r.opts.JoinTimeout):
			errs = multierr.Append(errs, &daq.JoinTimeoutError{Context: "event channel", Timeout: r.opts.JoinTimeout})
		}
	}

	errs = multierr.Append(errs, r.closeLogLocked())
	r.state.Store(StateClosed)
	r.log.Infow("recorder quit")
	return errs
}
