package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/timer"
)

// Registrar pins the polling goroutine to an OS thread with the requested
// priority.
type Registrar interface {
	Enter(name string) (release func())
}

// Options configure a Channel.
type Options struct {
	Backend      Backend
	Timer        *timer.Timer
	Logger       *zap.SugaredLogger
	QueueSize    int
	PollInterval time.Duration
	Registrar    Registrar
}

// Channel polls a backend and queues stamped events. Run is its only
// producer; the recorder is its only consumer.
type Channel struct {
	backend   Backend
	timer     *timer.Timer
	log       *zap.SugaredLogger
	interval  time.Duration
	registrar Registrar

	queue chan daq.ExternalEvent
	done  chan struct{}
}

// NewChannel returns a stopped channel. Call Run to start polling.
func NewChannel(opts Options) *Channel {
	size := opts.QueueSize
	if size < 1 {
		size = 1024
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	tm := opts.Timer
	if tm == nil {
		tm = timer.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Channel{
		backend:   opts.Backend,
		timer:     tm,
		log:       logger,
		interval:  interval,
		registrar: opts.Registrar,
		queue:     make(chan daq.ExternalEvent, size),
		done:      make(chan struct{}),
	}
}

// Run polls until ctx is cancelled, then closes the backend.
func (c *Channel) Run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if err := c.backend.Close(); err != nil {
			c.log.Warnw("closing event backend", "error", err)
		}
	}()

	if c.registrar != nil {
		release := c.registrar.Enter("events")
		defer release()
	}

	ticker := c.timer.Clock().Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			msg, ok := c.backend.Poll()
			if !ok {
				break
			}
			t := msg.Time
			if !msg.Stamped {
				t = c.timer.Millis()
			}
			ev := daq.ExternalEvent{
				Time:             t,
				Payload:          msg.Payload,
				IsControlCommand: daq.IsControlPayload(msg.Payload),
			}
			select {
			case c.queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Done is closed when Run returns.
func (c *Channel) Done() <-chan struct{} { return c.done }

// ReceiveNowait returns the oldest queued event without blocking.
func (c *Channel) ReceiveNowait() (daq.ExternalEvent, bool) {
	select {
	case ev := <-c.queue:
		return ev, true
	default:
		return daq.ExternalEvent{}, false
	}
}

// Drain returns every queued event, oldest first.
func (c *Channel) Drain() []daq.ExternalEvent {
	var out []daq.ExternalEvent
	for {
		ev, ok := c.ReceiveNowait()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}
