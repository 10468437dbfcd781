package demo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/large-farva/forcedaq/internal/control"
	"github.com/large-farva/forcedaq/internal/timer"
)

type fakeControl struct {
	mu     sync.Mutex
	cmds   []string
	pauses chan struct{}
}

func (f *fakeControl) Send(_ context.Context, cmdType string, payload any) (control.CommandResult, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmdType)
	f.mu.Unlock()
	if cmdType == control.CmdPause {
		f.pauses <- struct{}{}
	}
	if cmdType == control.CmdMarker {
		return control.CommandResult{OK: false, Error: "no log"}, nil
	}
	return control.CommandResult{OK: true}, nil
}

type nopHub struct{}

func (nopHub) BroadcastJSON(any) {}

func TestDemoCyclesTrials(t *testing.T) {
	ctrl := &fakeControl{pauses: make(chan struct{}, 4)}
	r := New(ctrl, nopHub{}, timer.New(clock.New()))
	r.Interval = 8 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctrl.pauses:
		case <-time.After(5 * time.Second):
			t.Fatal("demo did not pause")
		}
	}
	cancel()
	<-done

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	test.That(t, ctrl.cmds[:8], test.ShouldResemble, []string{
		control.CmdBias, control.CmdOpen,
		control.CmdStart, control.CmdMarker, control.CmdPause,
		control.CmdStart, control.CmdMarker, control.CmdPause,
	})
}

func TestDemoStopsOnCancel(t *testing.T) {
	ctrl := &fakeControl{pauses: make(chan struct{}, 4)}
	r := New(ctrl, nil, nil)
	r.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	test.That(t, len(ctrl.cmds), test.ShouldBeLessThanOrEqualTo, 3)
}
