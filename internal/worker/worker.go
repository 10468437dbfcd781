// Package worker runs one sampling loop per sensor. The loop owns its
// source and sample buffer; everything else talks to it over a command
// channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/sensor"
	"github.com/large-farva/forcedaq/internal/timer"
)

// State is the lifecycle state of a worker.
type State int32

const (
	StateCreated State = iota
	StateBiasPending
	StateReady
	StateActive
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateBiasPending:
		return "BIAS_PENDING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StatePaused:
		return "PAUSED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrTerminated is returned for requests sent to a stopped worker.
var ErrTerminated = errors.New("worker terminated")

// ErrActive is returned when bias determination is requested while polling.
var ErrActive = errors.New("worker is polling")

// ThreadRegistrar pins the calling goroutine to its OS thread and applies
// the requested scheduling priority. The returned func undoes the
// registration.
type ThreadRegistrar interface {
	Enter(name string) (release func())
}

// Options configure a Worker.
type Options struct {
	DeviceID       int
	Name           string
	Source         sensor.Source
	Calibrator     sensor.Calibrator
	Timer          *timer.Timer
	Logger         *zap.SugaredLogger
	BufferCapacity int
	Registrar      ThreadRegistrar
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdBias
	cmdDrain
	cmdShutdown
)

// Ticket states. A command is carried out only if the worker takes its
// ticket before the requester gives up on it.
const (
	ticketPending int32 = iota
	ticketTaken
	ticketAbandoned
)

type ticket struct{ v atomic.Int32 }

func (t *ticket) take() bool    { return t.v.CompareAndSwap(ticketPending, ticketTaken) }
func (t *ticket) abandon() bool { return t.v.CompareAndSwap(ticketPending, ticketAbandoned) }

type command struct {
	kind    commandKind
	samples int
	budget  time.Duration
	ticket  *ticket
	reply   chan reply
}

// biasGrace is added to the bias budget to bound the whole request.
const biasGrace = 250 * time.Millisecond

type reply struct {
	time      int64
	wasActive bool
	bias      [6]float64
	buffer    []daq.Sample
	err       error
}

// Worker samples one sensor.
type Worker struct {
	id        int
	name      string
	src       sensor.Source
	cal       sensor.Calibrator
	timer     *timer.Timer
	log       *zap.SugaredLogger
	capacity  int
	registrar ThreadRegistrar

	cmds chan command
	done chan struct{}

	biasReady chan struct{}
	biasOnce  sync.Once

	state    atomic.Int32
	samples  atomic.Int64
	readErrs atomic.Int64
	biasGot  atomic.Int64
	latest   atomic.Pointer[daq.Sample]

	biasMu sync.Mutex
	bias   [6]float64

	// Owned by the Run goroutine.
	buf        []daq.Sample
	fullWarned bool
}

// New creates a worker in the CREATED state. Call Run to start it.
func New(opts Options) *Worker {
	capacity := opts.BufferCapacity
	if capacity < 1 {
		capacity = 1 << 20
	}
	cal := opts.Calibrator
	if cal == nil {
		cal = sensor.Identity{}
	}
	tm := opts.Timer
	if tm == nil {
		tm = timer.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{
		id:        opts.DeviceID,
		name:      opts.Name,
		src:       opts.Source,
		cal:       cal,
		timer:     tm,
		log:       logger.With("device_id", opts.DeviceID),
		capacity:  capacity,
		registrar: opts.Registrar,
		cmds:      make(chan command, 8),
		done:      make(chan struct{}),
		biasReady: make(chan struct{}),
	}
}

func (w *Worker) DeviceID() int { return w.id }

func (w *Worker) Name() string { return w.name }

// State returns a snapshot of the lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// SampleCount returns the number of samples read since creation.
func (w *Worker) SampleCount() int64 { return w.samples.Load() }

// Latest returns the most recent sample, or nil before the first one. It
// is safe to call while the worker is polling.
func (w *Worker) Latest() *daq.Sample { return w.latest.Load() }

// ReadErrors returns the number of failed source reads.
func (w *Worker) ReadErrors() int64 { return w.readErrs.Load() }

// BiasReady is closed once the bias has been determined.
func (w *Worker) BiasReady() <-chan struct{} { return w.biasReady }

// IsBiased reports whether the bias has been determined.
func (w *Worker) IsBiased() bool {
	select {
	case <-w.biasReady:
		return true
	default:
		return false
	}
}

// Bias returns the offset subtracted from every sample.
func (w *Worker) Bias() [6]float64 {
	w.biasMu.Lock()
	defer w.biasMu.Unlock()
	return w.bias
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run is the sampling loop. It returns when ctx is cancelled or a shutdown
// command arrives; the source is closed on the way out.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.setState(StateTerminated)
		if err := w.src.Close(); err != nil {
			w.log.Warnw("closing source", "error", err)
		}
	}()

	if w.registrar != nil {
		release := w.registrar.Enter(fmt.Sprintf("sensor-%d", w.id))
		defer release()
	}
	w.setState(StateBiasPending)

	for {
		if w.State() == StateActive && len(w.buf) < w.capacity {
			select {
			case <-ctx.Done():
				return
			case c := <-w.cmds:
				if w.handle(ctx, c) {
					return
				}
				continue
			default:
			}
			w.poll(ctx)
			continue
		}

		if w.State() == StateActive && !w.fullWarned {
			w.fullWarned = true
			w.log.Warnw("sample buffer full, reading suspended until drained", "capacity", w.capacity)
		}

		select {
		case <-ctx.Done():
			return
		case c := <-w.cmds:
			if w.handle(ctx, c) {
				return
			}
		}
	}
}

// poll reads one frame into the buffer.
func (w *Worker) poll(ctx context.Context) {
	before := w.timer.Millis()
	f, err := w.src.ReadFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		n := w.readErrs.Add(1)
		if n == 1 || n%1000 == 0 {
			w.log.Warnw("reading frame", "error", err, "failures", n)
		}
		return
	}
	now := w.timer.Millis()
	smp := w.sample(f, now, now-before)
	w.buf = append(w.buf, smp)
	w.latest.Store(&smp)
	w.samples.Add(1)
}

func (w *Worker) sample(f sensor.Frame, t, delay int64) daq.Sample {
	forces := w.cal.Apply(f.Raw)
	bias := w.Bias()
	for i := range forces {
		forces[i] -= bias[i]
	}
	return daq.Sample{
		DeviceID: w.id,
		Time:     t,
		Delay:    delay,
		Forces:   forces,
		Trigger:  f.Trigger,
	}
}

// handle executes one command and reports whether the loop should stop.
func (w *Worker) handle(ctx context.Context, c command) bool {
	// Start, bias and drain are skipped once the requester gave up, so a late
	// drain never takes samples nobody collects. Pause and shutdown always run.
	if !c.ticket.take() && c.kind != cmdPause && c.kind != cmdShutdown {
		w.log.Warnw("skipping abandoned request", "op", c.kind.String())
		return false
	}
	switch c.kind {
	case cmdStart:
		if !w.IsBiased() {
			c.reply <- reply{err: &daq.BiasNotReadyError{DeviceID: w.id}}
			return false
		}
		w.setState(StateActive)
		c.reply <- reply{time: w.timer.Millis()}
	case cmdPause:
		wasActive := w.State() == StateActive
		if wasActive {
			w.setState(StatePaused)
		}
		c.reply <- reply{time: w.timer.Millis(), wasActive: wasActive}
	case cmdBias:
		bias, err := w.determineBias(ctx, c.samples, c.budget)
		c.reply <- reply{bias: bias, err: err}
	case cmdDrain:
		c.reply <- reply{buffer: w.takeBuffer()}
	case cmdShutdown:
		c.reply <- reply{buffer: w.takeBuffer()}
		return true
	}
	return false
}

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdPause:
		return "pause"
	case cmdBias:
		return "bias"
	case cmdDrain:
		return "drain"
	case cmdShutdown:
		return "shutdown"
	}
	return "unknown"
}

func (w *Worker) takeBuffer() []daq.Sample {
	buf := w.buf
	w.buf = nil
	w.fullWarned = false
	return buf
}

func (w *Worker) determineBias(ctx context.Context, n int, budget time.Duration) ([6]float64, error) {
	if w.State() == StateActive {
		return [6]float64{}, ErrActive
	}
	prev := w.State()
	w.setState(StateBiasPending)

	// Reads run under the budget so a blocked source is cancelled with it.
	clk := w.timer.Clock()
	start := clk.Now()
	readCtx, cancel := clk.WithTimeout(ctx, budget)
	defer cancel()

	w.biasGot.Store(0)
	frames := make([][6]float64, 0, n)
	var lastErr error
	for len(frames) < n {
		if ctx.Err() != nil {
			w.restoreAfterBias(prev)
			return [6]float64{}, ctx.Err()
		}
		if readCtx.Err() != nil || clk.Since(start) > budget {
			w.restoreAfterBias(prev)
			return [6]float64{}, &daq.BiasComputationError{
				DeviceID: w.id, Wanted: n, Got: len(frames), Budget: budget, Err: lastErr,
			}
		}
		f, err := w.src.ReadFrame(readCtx)
		if err != nil {
			if readCtx.Err() == nil {
				lastErr = err
			}
			continue
		}
		frames = append(frames, w.cal.Apply(f.Raw))
		w.biasGot.Store(int64(len(frames)))
	}

	bias := sensor.Mean(frames)
	w.biasMu.Lock()
	w.bias = bias
	w.biasMu.Unlock()
	w.biasOnce.Do(func() { close(w.biasReady) })
	if prev == StatePaused {
		w.setState(StatePaused)
	} else {
		w.setState(StateReady)
	}
	w.log.Infow("bias determined", "samples", n, "bias", bias)
	return bias, nil
}

func (w *Worker) restoreAfterBias(prev State) {
	if prev == StateBiasPending || prev == StateCreated || !w.IsBiased() {
		w.setState(StateBiasPending)
		return
	}
	w.setState(prev)
}

// request sends c and waits for its reply. A zero timeout waits on ctx only.
// On timeout the command is abandoned unless the worker already took it, in
// which case its reply is awaited.
func (w *Worker) request(ctx context.Context, c command, timeout time.Duration) (reply, error) {
	c.reply = make(chan reply, 1)
	c.ticket = &ticket{}
	op := c.kind.String()

	var expired <-chan time.Time
	if timeout > 0 {
		t := w.timer.Clock().Timer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case w.cmds <- c:
	case <-w.done:
		return reply{}, ErrTerminated
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-expired:
		return reply{}, &daq.DrainTimeoutError{DeviceID: w.id, Op: op, Timeout: timeout}
	}

	select {
	case r := <-c.reply:
		return r, r.err
	case <-w.done:
		// A shutdown reply may race with done.
		select {
		case r := <-c.reply:
			return r, r.err
		default:
		}
		return reply{}, ErrTerminated
	case <-ctx.Done():
		if c.ticket.abandon() || c.kind == cmdBias {
			return reply{}, ctx.Err()
		}
	case <-expired:
		// Every command but bias answers at once when taken; a bias in
		// progress is left to finish on its own.
		if c.ticket.abandon() || c.kind == cmdBias {
			return reply{}, &daq.DrainTimeoutError{DeviceID: w.id, Op: op, Timeout: timeout}
		}
	}

	select {
	case r := <-c.reply:
		return r, r.err
	case <-w.done:
		select {
		case r := <-c.reply:
			return r, r.err
		default:
		}
		return reply{}, ErrTerminated
	}
}

// StartPolling moves the worker to ACTIVE and returns the start time. It
// fails with a *daq.BiasNotReadyError until the bias is determined, and with
// a *daq.DrainTimeoutError when the worker does not answer within timeout.
// A start that timed out is never carried out later.
func (w *Worker) StartPolling(ctx context.Context, timeout time.Duration) (int64, error) {
	r, err := w.request(ctx, command{kind: cmdStart}, timeout)
	return r.time, err
}

// PausePolling stops reading. Samples read before the pause stay in the
// buffer. wasActive is false when the worker was not polling. A worker
// blocked in a read answers with a *daq.DrainTimeoutError after timeout and
// pauses once the read returns.
func (w *Worker) PausePolling(ctx context.Context, timeout time.Duration) (t int64, wasActive bool, err error) {
	r, err := w.request(ctx, command{kind: cmdPause}, timeout)
	return r.time, r.wasActive, err
}

// DetermineBias averages n calibrated frames into the offset subtracted from
// later samples. budget bounds the collection time, blocked reads included.
func (w *Worker) DetermineBias(ctx context.Context, n int, budget time.Duration) ([6]float64, error) {
	r, err := w.request(ctx, command{kind: cmdBias, samples: n, budget: budget}, budget+biasGrace)
	var terr *daq.DrainTimeoutError
	if errors.As(err, &terr) {
		return r.bias, &daq.BiasComputationError{
			DeviceID: w.id, Wanted: n, Got: int(w.biasGot.Load()), Budget: budget, Err: err,
		}
	}
	return r.bias, err
}

// GetBuffer takes every buffered sample, oldest first.
func (w *Worker) GetBuffer(ctx context.Context, timeout time.Duration) ([]daq.Sample, error) {
	r, err := w.request(ctx, command{kind: cmdDrain}, timeout)
	return r.buffer, err
}

// Shutdown stops the loop and returns the samples still buffered. A worker
// that does not answer or stop within timeout yields a *daq.JoinTimeoutError.
func (w *Worker) Shutdown(ctx context.Context, timeout time.Duration) ([]daq.Sample, error) {
	r, err := w.request(ctx, command{kind: cmdShutdown}, timeout)
	var terr *daq.DrainTimeoutError
	if errors.As(err, &terr) {
		return nil, &daq.JoinTimeoutError{Context: fmt.Sprintf("sensor %d", w.id), Timeout: timeout}
	}
	if err != nil {
		return nil, err
	}

	t := w.timer.Clock().Timer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return r.buffer, nil
	case <-t.C:
		return r.buffer, &daq.JoinTimeoutError{Context: fmt.Sprintf("sensor %d", w.id), Timeout: timeout}
	}
}
