// Package timer provides the process-local millisecond timer every record is
// stamped with. The clock is injected so tests can drive time by hand.
package timer

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer counts milliseconds since it was created.
type Timer struct {
	clock clock.Clock
	start time.Time
}

// New returns a Timer started now on clk. A nil clk uses the wall clock.
func New(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk, start: clk.Now()}
}

// Millis returns the elapsed time in whole milliseconds.
func (t *Timer) Millis() int64 {
	return t.clock.Since(t.start).Milliseconds()
}

// Clock returns the underlying clock.
func (t *Timer) Clock() clock.Clock {
	return t.clock
}

// Wait blocks for d or until ctx is done. It reports whether the full
// duration elapsed.
func (t *Timer) Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tm := t.clock.Timer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tm.C:
		return true
	}
}
