package sensor

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Dummy generates synthetic frames paced at a fixed rate on the injected
// clock. Channel k carries a slow sine with offset k.
type Dummy struct {
	clk    clock.Clock
	period time.Duration
	next   time.Time
	n      int64
}

// NewDummy returns a source producing rateHz frames per second.
func NewDummy(clk clock.Clock, rateHz int) *Dummy {
	if clk == nil {
		clk = clock.New()
	}
	if rateHz < 1 {
		rateHz = 1000
	}
	return &Dummy{clk: clk, period: time.Second / time.Duration(rateHz)}
}

func (d *Dummy) ReadFrame(ctx context.Context) (Frame, error) {
	now := d.clk.Now()
	if d.next.IsZero() {
		d.next = now
	}
	if wait := d.next.Sub(now); wait > 0 {
		t := d.clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Frame{}, ctx.Err()
		case <-t.C:
		}
	}
	d.next = d.next.Add(d.period)

	var f Frame
	phase := 2 * math.Pi * float64(d.n) / 1000
	for k := range f.Raw {
		f.Raw[k] = float64(k) + math.Sin(phase+float64(k))
	}
	if d.n%1000 < 500 {
		f.Trigger[0] = 1
	}
	d.n++
	return f, nil
}

func (d *Dummy) Close() error { return nil }
