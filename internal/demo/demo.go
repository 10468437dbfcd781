// Package demo drives the recording lifecycle on a timer so the daemon,
// CLI and WebSocket clients can be exercised end to end with dummy sensors.
// Each cycle is one trial: start, a stimulus marker half way, pause.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/large-farva/forcedaq/internal/control"
	"github.com/large-farva/forcedaq/internal/telemetry"
	"github.com/large-farva/forcedaq/internal/timer"
)

// Commander sends commands to the control runner.
type Commander interface {
	Send(ctx context.Context, cmdType string, payload any) (control.CommandResult, error)
}

// Runner cycles recording trials.
type Runner struct {
	Control  Commander
	Hub      control.Broadcaster
	Timer    *timer.Timer
	Interval time.Duration // length of one trial including the pause

	trial int
}

// New creates a demo runner with a sensible default interval.
func New(ctrl Commander, hub control.Broadcaster, tm *timer.Timer) *Runner {
	if tm == nil {
		tm = timer.New(nil)
	}
	return &Runner{
		Control:  ctrl,
		Hub:      hub,
		Timer:    tm,
		Interval: 10 * time.Second,
	}
}

// Run determines the bias, opens a log unless one is open, and then records
// one trial per interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logLine("info", "demo mode active, cycling recording trials")

	if !r.do(ctx, control.CmdBias, nil) {
		return
	}
	if !r.do(ctx, control.CmdOpen, control.OpenPayload{Comment: "demo session"}) {
		return
	}

	for ctx.Err() == nil {
		if !r.runTrial(ctx) {
			return
		}
	}
}

// runTrial records for half the interval and stays paused for the rest.
func (r *Runner) runTrial(ctx context.Context) bool {
	r.trial++
	half := r.Interval / 2

	if !r.do(ctx, control.CmdStart, nil) {
		return false
	}
	if !r.Timer.Wait(ctx, half/2) {
		return false
	}
	r.do(ctx, control.CmdMarker, control.MarkerPayload{Code: fmt.Sprintf("stimulus:%d", r.trial)})
	if !r.Timer.Wait(ctx, half-half/2) {
		return false
	}
	if !r.do(ctx, control.CmdPause, nil) {
		return false
	}
	r.logLine("info", fmt.Sprintf("trial %d complete, next in %s", r.trial, (r.Interval-half).Truncate(time.Millisecond)))
	return r.Timer.Wait(ctx, r.Interval-half)
}

// do sends one command. It returns false only when ctx is done; failed
// commands are reported and the cycle goes on.
func (r *Runner) do(ctx context.Context, cmdType string, payload any) bool {
	res, err := r.Control.Send(ctx, cmdType, payload)
	if err != nil {
		return false
	}
	if !res.OK {
		r.logLine("warn", fmt.Sprintf("demo %s: %s", cmdType, res.Error))
	}
	return true
}

func (r *Runner) logLine(level, msg string) {
	if r.Hub == nil {
		return
	}
	r.Hub.BroadcastJSON(telemetry.LogLine{
		Event:   telemetry.NewEvent(telemetry.EventLog, "demo"),
		Level:   level,
		Message: msg,
	})
}
