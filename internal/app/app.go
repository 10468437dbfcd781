// Package app wires together the acquisition pipeline, the control runner,
// the HTTP API and the WebSocket hub. It owns the daemon's lifecycle and is
// the single source of truth for the current operating state.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/control"
	"github.com/large-farva/forcedaq/internal/datafile"
	"github.com/large-farva/forcedaq/internal/demo"
	"github.com/large-farva/forcedaq/internal/events"
	"github.com/large-farva/forcedaq/internal/priority"
	"github.com/large-farva/forcedaq/internal/reconcile"
	"github.com/large-farva/forcedaq/internal/recorder"
	"github.com/large-farva/forcedaq/internal/sensor"
	"github.com/large-farva/forcedaq/internal/telemetry"
	"github.com/large-farva/forcedaq/internal/timer"
	"github.com/large-farva/forcedaq/internal/ws"
)

const (
	stateBooting = "BOOTING"
	mqttTimeout  = 5 * time.Second
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger     *zap.SugaredLogger
	Cfg        config.Config
	Bind       string
	ConfigPath string
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// App is the top-level daemon process.
type App struct {
	log        *zap.SugaredLogger
	cfg        config.Config
	bind       string
	configPath string
	server     *http.Server

	startedAt time.Time
	state     atomic.Value // BOOTING or a recorder state

	hub   *ws.Hub
	timer *timer.Timer
	coord *priority.Coordinator
	rec   *recorder.Recorder
	ctrl  *control.Runner
}

// New opens every sensor and the event backend and starts the sampling
// goroutines. The recorder stays IDLE until a start command.
func New(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg := opts.Cfg
	bind := opts.Bind
	if bind == "" {
		bind = cfg.Server.Bind
	}

	a := &App{
		log:        logger,
		cfg:        cfg,
		bind:       bind,
		configPath: opts.ConfigPath,
		startedAt:  time.Now(),
		hub:        ws.NewHub(logger.Named("ws")),
		timer:      timer.New(opts.Clock),
		coord:      priority.New(logger.Named("priority")),
	}
	a.state.Store(stateBooting)

	level, err := priority.ParseLevel(cfg.Recording.Priority)
	if err != nil {
		return nil, err
	}

	sensors, err := a.openSensors()
	if err != nil {
		return nil, err
	}

	backend, err := a.openBackend()
	if err != nil {
		closeSensors(sensors)
		return nil, err
	}
	channel := events.NewChannel(events.Options{
		Backend:      backend,
		Timer:        a.timer,
		Logger:       logger.Named("events"),
		QueueSize:    cfg.Events.QueueSize,
		PollInterval: time.Duration(cfg.Events.PollIntervalMS) * time.Millisecond,
		Registrar:    a.coord,
	})

	a.rec, err = recorder.New(ctx, recorder.Options{
		Sensors:            sensors,
		Schema:             datafile.SchemaFor(cfg.Columns),
		Events:             channel,
		Timer:              a.timer,
		Logger:             logger.Named("recorder"),
		Settle:             ms(cfg.Recording.SettleMS),
		DrainTimeout:       ms(cfg.Recording.DrainTimeoutMS),
		JoinTimeout:        ms(cfg.Recording.JoinTimeoutMS),
		BiasSamples:        cfg.Recording.BiasSamples,
		BiasTimeout:        ms(cfg.Recording.BiasTimeoutMS),
		BufferCapacity:     cfg.Recording.BufferCapacity,
		Priority:           level,
		Coordinator:        a.coord,
		WriteControlEvents: !cfg.Events.IgnoreControl,
		Version:            Version,
	})
	if err != nil {
		closeSensors(sensors)
		_ = backend.Close()
		return nil, err
	}

	rcOpts := reconcile.FromConfig(cfg.Reconcile)
	rcOpts.Schema = datafile.SchemaFor(cfg.Columns)
	rcOpts.Logger = logger.Named("reconcile")

	injector, _ := backend.(control.Injector)
	a.ctrl = control.New(control.Options{
		Recorder:  a.rec,
		Hub:       a.hub,
		Files:     a.fileOptions(),
		Reconcile: rcOpts,
		Injector:  injector,
		Timer:     a.timer,
		Logger:    logger.Named("control"),
	})
	return a, nil
}

func (a *App) openSensors() ([]recorder.Sensor, error) {
	var sensors []recorder.Sensor
	for _, sc := range a.cfg.Sensors {
		src, info, err := sensor.Open(sc, a.timer.Clock(), a.log.Named("sensor"))
		if err != nil {
			closeSensors(sensors)
			return nil, err
		}
		a.log.Infow("sensor opened", "device_id", sc.DeviceID, "name", sc.Name,
			"backend", info.Backend, "degraded", info.Degraded)
		sensors = append(sensors, recorder.Sensor{Config: sc, Source: src, Info: info})
	}
	return sensors, nil
}

func closeSensors(sensors []recorder.Sensor) {
	for _, s := range sensors {
		_ = s.Source.Close()
	}
}

// openBackend returns the configured event backend. Without one, a
// loopback backend still accepts events posted to the API.
func (a *App) openBackend() (events.Backend, error) {
	ec := a.cfg.Events
	switch ec.Backend {
	case "udp":
		u, err := events.ListenUDP(ec.UDPBind, ec.QueueSize, a.timer, a.log.Named("udp"))
		if err != nil {
			return nil, err
		}
		a.log.Infow("listening for events", "addr", u.LocalAddr().String())
		return u, nil
	case "mqtt":
		m, err := events.DialMQTT(events.MQTTOptions{
			Broker:   ec.MQTTBroker,
			ClientID: ec.MQTTClientID,
			Topic:    ec.MQTTTopic,
			Queue:    ec.QueueSize,
			Timeout:  mqttTimeout,
			Timer:    a.timer,
			Logger:   a.log.Named("mqtt"),
		})
		if err != nil {
			return nil, err
		}
		a.log.Infow("subscribed to events", "broker", ec.MQTTBroker, "topic", ec.MQTTTopic)
		return m, nil
	case "none", "":
		return events.NewLoopback(ec.QueueSize, a.timer), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", ec.Backend)
	}
}

func (a *App) fileOptions() recorder.FileOptions {
	d := a.cfg.Data
	return recorder.FileOptions{
		Dir:               d.Root,
		Filename:          d.Filename,
		TimestampFilename: d.TimestampFilename,
		ColumnNames:       d.ColumnNames,
		Comment:           d.Comment,
		Zipped:            d.Zipped,
	}
}

// Run starts the HTTP server, WebSocket hub, heartbeat ticker, the control
// runner and, in demo mode, the demo runner. It blocks until ctx is
// cancelled or the server fails, and always quits the recorder, which
// writes the final buffers and closes the log.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.bind)
	if err != nil {
		_ = a.rec.Quit(context.WithoutCancel(ctx))
		return err
	}
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.log.Infow("listening", "url", "http://"+ln.Addr().String())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	loopsDone := a.startLoops(runCtx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case err = <-serveErr:
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := a.server.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, serr)
	}
	stop()
	<-loopsDone
	return multierr.Append(err, a.rec.Quit(shutdownCtx))
}

// startLoops runs the hub, heartbeat, control runner and demo. The
// returned channel closes once the control runner has returned.
func (a *App) startLoops(ctx context.Context) <-chan struct{} {
	go a.hub.Run(ctx)
	a.transition(string(a.rec.State()))
	go a.heartbeatLoop(ctx)
	if a.cfg.Server.LiveIntervalMS > 0 {
		go a.liveLoop(ctx, ms(a.cfg.Server.LiveIntervalMS))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.ctrl.Run(ctx, a.transition)
	}()

	if a.cfg.Demo.Enabled {
		r := demo.New(a.ctrl, a.hub, a.timer)
		if a.cfg.Demo.IntervalSeconds > 0 {
			r.Interval = time.Duration(a.cfg.Demo.IntervalSeconds) * time.Second
		}
		go r.Run(ctx)
	}
	return done
}

// Handler returns the API mux.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/version", a.handleVersion)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/sensors", a.handleSensors)
	mux.HandleFunc("/api/recordings", a.handleRecordings)
	mux.HandleFunc("/api/bias", a.commandHandler(control.CmdBias, nil))
	mux.HandleFunc("/api/start", a.commandHandler(control.CmdStart, func() any { return &control.StartPayload{} }))
	mux.HandleFunc("/api/pause", a.commandHandler(control.CmdPause, nil))
	mux.HandleFunc("/api/marker", a.commandHandler(control.CmdMarker, func() any { return &control.MarkerPayload{} }))
	mux.HandleFunc("/api/open", a.commandHandler(control.CmdOpen, func() any { return &control.OpenPayload{} }))
	mux.HandleFunc("/api/close", a.commandHandler(control.CmdClose, nil))
	mux.HandleFunc("/api/quit", a.commandHandler(control.CmdQuit, nil))
	mux.HandleFunc("/api/convert", a.handleConvert)
	mux.HandleFunc("/api/event", a.commandHandler(control.CmdEvent, func() any { return &control.EventPayload{} }))
	mux.Handle("/ws", a.hub.Handler())
	return mux
}

// transition updates the daemon state and broadcasts the change to all
// connected WebSocket clients.
func (a *App) transition(newState string) {
	old := a.state.Load().(string)
	if old == newState {
		return
	}
	a.state.Store(newState)
	a.log.Infow("state transition", "from", old, "to", newState)
	a.hub.BroadcastJSON(telemetry.StateTransition{
		Event: telemetry.NewEvent(telemetry.EventState, "forcedaqd"),
		From:  old,
		To:    newState,
	})
}

// heartbeatLoop sends a periodic heartbeat event so clients can detect
// connectivity and track uptime without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	t := a.timer.Clock().Ticker(10 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.hub.BroadcastJSON(telemetry.Heartbeat{
				Event:         telemetry.NewEvent(telemetry.EventHeartbeat, "forcedaqd"),
				State:         a.state.Load().(string),
				UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
				Clients:       a.hub.Clients(),
			})
		}
	}
}

// liveLoop broadcasts the latest sample of each sensor while recording.
func (a *App) liveLoop(ctx context.Context, every time.Duration) {
	t := a.timer.Clock().Ticker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ev, ok := a.liveEvent(); ok {
				a.hub.BroadcastJSON(ev)
			}
		}
	}
}

// liveEvent collects the latest samples. It reports false when not
// recording or when no sensor has produced a sample yet.
func (a *App) liveEvent() (telemetry.Live, bool) {
	if a.rec.State() != recorder.StateRecording {
		return telemetry.Live{}, false
	}
	ev := telemetry.Live{Event: telemetry.NewEvent(telemetry.EventLive, "recorder")}
	for _, s := range a.rec.Sensors() {
		if s.Latest != nil {
			ev.Sensors = append(ev.Sensors, *s.Latest)
		}
	}
	return ev, len(ev.Sensors) > 0
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
