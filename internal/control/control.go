// Package control owns the recorder. A single goroutine serves commands from
// the HTTP API, polls external events into the log, and acts on remote
// "$cmd" events, so recorder operations never interleave.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/large-farva/forcedaq/internal/daq"
	"github.com/large-farva/forcedaq/internal/reconcile"
	"github.com/large-farva/forcedaq/internal/recorder"
	"github.com/large-farva/forcedaq/internal/telemetry"
	"github.com/large-farva/forcedaq/internal/timer"
)

// Command types accepted on Runner.Commands.
const (
	CmdBias    = "bias"
	CmdStart   = "start"
	CmdPause   = "pause"
	CmdMarker  = "marker"
	CmdOpen    = "open"
	CmdClose   = "close"
	CmdQuit    = "quit"
	CmdConvert = "convert"
	CmdEvent   = "event"
)

// Command is a request sent to the runner over the Commands channel.
type Command struct {
	Type    string
	Payload json.RawMessage
	Reply   chan<- CommandResult
}

// CommandResult is the response to a Command.
type CommandResult struct {
	OK        bool               `json:"ok"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	Path      string             `json:"path,omitempty"`
	Drain     *telemetry.Drain   `json:"drain,omitempty"`
	Converted []reconcile.Result `json:"converted,omitempty"`
}

// StartPayload is the optional body of a start command.
type StartPayload struct {
	DetermineBias bool `json:"determine_bias"`
}

// MarkerPayload is the body of a marker command. Time defaults to now.
type MarkerPayload struct {
	Code string `json:"code"`
	Time *int64 `json:"time,omitempty"`
}

// OpenPayload overrides the configured file options for one log.
type OpenPayload struct {
	Filename          string `json:"filename,omitempty"`
	Comment           string `json:"comment,omitempty"`
	Zipped            *bool  `json:"zipped,omitempty"`
	TimestampFilename *bool  `json:"timestamp_filename,omitempty"`
}

// ConvertPayload selects one log, or every pending log when Path is empty.
type ConvertPayload struct {
	Path      string `json:"path,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// EventPayload injects an external event through the loopback backend.
type EventPayload struct {
	Payload string `json:"payload"`
}

// Broadcaster publishes telemetry.
type Broadcaster interface {
	BroadcastJSON(v any)
}

// Injector feeds a payload into the external event backend.
type Injector interface {
	Send(payload string) error
}

// Options configure a Runner.
type Options struct {
	Recorder  *recorder.Recorder
	Hub       Broadcaster
	Files     recorder.FileOptions
	Reconcile reconcile.Options
	// Injector is nil unless the event backend accepts local payloads.
	Injector     Injector
	Timer        *timer.Timer
	Logger       *zap.SugaredLogger
	PollInterval time.Duration
}

// Runner serializes every operation on the recorder.
type Runner struct {
	Commands chan Command

	rec       *recorder.Recorder
	hub       Broadcaster
	files     recorder.FileOptions
	reconcile reconcile.Options
	injector  Injector
	timer     *timer.Timer
	log       *zap.SugaredLogger
	interval  time.Duration

	lastState string
}

// New creates a runner. Call Run to start serving.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	tm := opts.Timer
	if tm == nil {
		tm = timer.New(nil)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Runner{
		Commands:  make(chan Command, 4),
		rec:       opts.Recorder,
		hub:       opts.Hub,
		files:     opts.Files,
		reconcile: opts.Reconcile,
		injector:  opts.Injector,
		timer:     tm,
		log:       logger,
		interval:  interval,
		lastState: string(opts.Recorder.State()),
	}
}

// Run serves commands and polls events until ctx is cancelled. setState is
// called with the new recorder state after every change.
func (r *Runner) Run(ctx context.Context, setState func(string)) {
	tick := r.timer.Clock().Ticker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.Commands:
			r.handleCommand(ctx, cmd)
		case <-tick.C:
			r.pollEvents(ctx)
		}
		r.syncState(setState)
	}
}

// Send queues a command and waits for its result.
func (r *Runner) Send(ctx context.Context, cmdType string, payload any) (CommandResult, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return CommandResult{}, err
		}
		raw = b
	}
	reply := make(chan CommandResult, 1)
	select {
	case r.Commands <- Command{Type: cmdType, Payload: raw, Reply: reply}:
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

func (r *Runner) syncState(setState func(string)) {
	st := string(r.rec.State())
	if st == r.lastState {
		return
	}
	r.lastState = st
	if setState != nil {
		setState(st)
	}
}

// handleCommand dispatches an incoming command to the appropriate handler.
func (r *Runner) handleCommand(ctx context.Context, cmd Command) {
	var res CommandResult
	switch cmd.Type {
	case CmdBias:
		res = r.handleBias(ctx)
	case CmdStart:
		var p StartPayload
		if err := decode(cmd.Payload, &p); err != nil {
			res = failure(err)
			break
		}
		res = r.handleStart(ctx, p)
	case CmdPause:
		res = r.handlePause(ctx)
	case CmdMarker:
		var p MarkerPayload
		if err := decode(cmd.Payload, &p); err != nil {
			res = failure(err)
			break
		}
		res = r.handleMarker(p)
	case CmdOpen:
		var p OpenPayload
		if err := decode(cmd.Payload, &p); err != nil {
			res = failure(err)
			break
		}
		res = r.handleOpen(p)
	case CmdClose:
		res = r.handleClose()
	case CmdQuit:
		res = r.handleQuit(ctx)
	case CmdConvert:
		var p ConvertPayload
		if err := decode(cmd.Payload, &p); err != nil {
			res = failure(err)
			break
		}
		res = r.handleConvert(p)
	case CmdEvent:
		var p EventPayload
		if err := decode(cmd.Payload, &p); err != nil {
			res = failure(err)
			break
		}
		res = r.handleEvent(p)
	default:
		res = CommandResult{OK: false, Error: "unknown command: " + cmd.Type}
	}
	if cmd.Reply != nil {
		cmd.Reply <- res
	}
}

func (r *Runner) handleBias(ctx context.Context) CommandResult {
	if err := r.rec.DetermineBiases(ctx); err != nil {
		r.logLine("error", "bias determination failed: "+err.Error())
		return failure(err)
	}
	r.logLine("info", "bias determined for every sensor")
	return CommandResult{OK: true, Message: "bias determined"}
}

func (r *Runner) handleStart(ctx context.Context, p StartPayload) CommandResult {
	if err := r.rec.StartRecording(ctx, p.DetermineBias); err != nil {
		var notBiased *daq.SensorsNotBiasedError
		if errors.As(err, &notBiased) {
			r.logLine("warn", err.Error())
		} else {
			r.logLine("error", "start failed: "+err.Error())
		}
		return failure(err)
	}
	r.logLine("info", "recording started")
	return CommandResult{OK: true, Message: "recording started", Path: r.rec.FilePath()}
}

func (r *Runner) handlePause(ctx context.Context) CommandResult {
	recs, err := r.rec.PauseRecording(ctx)
	d := telemetry.Summarize(recs)
	if err != nil {
		d.Error = err.Error()
	}
	r.publish(d)
	msg := fmt.Sprintf("paused: %d samples, %d events, %d markers written", d.Samples, d.Events, d.Markers)
	if err != nil {
		r.logLine("error", "pause incomplete: "+err.Error())
		return CommandResult{OK: false, Message: msg, Error: err.Error(), Drain: &d}
	}
	r.logLine("info", msg)
	return CommandResult{OK: true, Message: msg, Drain: &d}
}

func (r *Runner) handleMarker(p MarkerPayload) CommandResult {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return CommandResult{OK: false, Error: "marker code required"}
	}
	var m daq.MarkerEvent
	if p.Time != nil {
		m = r.rec.SaveDAQEventAt(code, *p.Time)
	} else {
		m = r.rec.SaveDAQEvent(code)
	}
	return CommandResult{OK: true, Message: fmt.Sprintf("marker %q queued at %d", m.Code, m.Time)}
}

func (r *Runner) handleOpen(p OpenPayload) CommandResult {
	fo := r.files
	if p.Filename != "" {
		fo.Filename = p.Filename
	}
	if p.Comment != "" {
		fo.Comment = p.Comment
	}
	if p.Zipped != nil {
		fo.Zipped = *p.Zipped
	}
	if p.TimestampFilename != nil {
		fo.TimestampFilename = *p.TimestampFilename
	}
	path, err := r.rec.OpenLog(fo)
	if err != nil {
		r.logLine("error", "open log failed: "+err.Error())
		return failure(err)
	}
	r.logLine("info", "recording to "+path)
	return CommandResult{OK: true, Message: "log opened", Path: path}
}

func (r *Runner) handleClose() CommandResult {
	path := r.rec.FilePath()
	if path == "" {
		return CommandResult{OK: true, Message: "no log open"}
	}
	if err := r.rec.CloseLog(); err != nil {
		return failure(err)
	}
	r.logLine("info", "closed "+path)
	return CommandResult{OK: true, Message: "log closed", Path: path}
}

func (r *Runner) handleQuit(ctx context.Context) CommandResult {
	if err := r.rec.Quit(ctx); err != nil {
		r.logLine("error", "quit: "+err.Error())
		return failure(err)
	}
	r.logLine("info", "recorder stopped")
	return CommandResult{OK: true, Message: "recorder stopped"}
}

func (r *Runner) handleConvert(p ConvertPayload) CommandResult {
	opts := r.reconcile
	opts.Overwrite = p.Overwrite
	if opts.Logger == nil {
		opts.Logger = r.log
	}

	paths := []string{p.Path}
	if p.Path == "" {
		pending, err := reconcile.PendingFiles(r.files.Dir, opts.Subdir)
		if err != nil {
			return failure(err)
		}
		paths = pending
	}

	open := r.rec.FilePath()
	res := CommandResult{OK: true}
	var failed []string
	for _, path := range paths {
		if path == open {
			failed = append(failed, path+": log is still open")
			continue
		}
		out, err := reconcile.Convert(path, opts)
		res.Converted = append(res.Converted, out)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", path, err))
			continue
		}
	}
	res.Message = fmt.Sprintf("%d of %d logs converted", len(paths)-len(failed), len(paths))
	if len(failed) > 0 {
		res.OK = false
		res.Error = strings.Join(failed, "; ")
		r.logLine("warn", "conversion: "+res.Error)
	}
	r.logLine("info", res.Message)
	return res
}

func (r *Runner) handleEvent(p EventPayload) CommandResult {
	if r.injector == nil {
		return CommandResult{OK: false, Error: "event backend does not accept local events"}
	}
	if err := r.injector.Send(p.Payload); err != nil {
		return failure(err)
	}
	return CommandResult{OK: true, Message: "event queued"}
}

// pollEvents writes pending external events and acts on remote commands.
func (r *Runner) pollEvents(ctx context.Context) {
	if r.rec.State() == recorder.StateClosed {
		return
	}
	for _, ev := range r.rec.ProcessEvents() {
		r.publish(telemetry.External{
			Event:            telemetry.NewEvent(telemetry.EventExternal, "events"),
			Time:             ev.Time,
			Payload:          ev.Payload,
			IsControlCommand: ev.IsControlCommand,
		})
		if ev.IsControlCommand {
			r.handleRemote(ctx, ev)
		}
	}
}

// handleRemote interprets "$cmd start|pause|bias|marker <code>". Remote
// markers carry the arrival time of the event.
func (r *Runner) handleRemote(ctx context.Context, ev daq.ExternalEvent) {
	fields := strings.Fields(strings.TrimPrefix(ev.Payload, daq.RemoteCommandPrefix))
	if len(fields) == 0 {
		r.log.Warnw("empty remote command", "payload", ev.Payload)
		return
	}
	var res CommandResult
	switch fields[0] {
	case CmdStart:
		res = r.handleStart(ctx, StartPayload{})
	case CmdPause:
		res = r.handlePause(ctx)
	case CmdBias:
		res = r.handleBias(ctx)
	case CmdMarker:
		t := ev.Time
		res = r.handleMarker(MarkerPayload{Code: strings.Join(fields[1:], " "), Time: &t})
	default:
		r.log.Warnw("unknown remote command", "payload", ev.Payload)
		return
	}
	r.log.Infow("remote command", "command", fields[0], "ok", res.OK, "error", res.Error)
}

func (r *Runner) logLine(level, msg string) {
	switch level {
	case "error":
		r.log.Error(msg)
	case "warn":
		r.log.Warn(msg)
	default:
		r.log.Info(msg)
	}
	r.publish(telemetry.LogLine{
		Event:   telemetry.NewEvent(telemetry.EventLog, "control"),
		Level:   level,
		Message: msg,
	})
}

func (r *Runner) publish(v any) {
	if r.hub != nil {
		r.hub.BroadcastJSON(v)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func failure(err error) CommandResult {
	return CommandResult{OK: false, Error: err.Error()}
}
