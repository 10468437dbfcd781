package priority

import (
	"errors"
	"runtime"
	"testing"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": Normal, "NORMAL": Normal, "high": High, "realtime": Realtime} {
		got, err := ParseLevel(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err := ParseLevel("urgent")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Realtime.String(), test.ShouldEqual, "realtime")
}

func TestEnterAndRelease(t *testing.T) {
	c := New(zaptest.NewLogger(t).Sugar())

	registered := make(chan []Report)
	release := make(chan struct{})
	go func() {
		done := c.Enter("sensor-1")
		registered <- c.SetLevel(Normal)
		<-release
		done()
		registered <- c.Reports()
	}()

	reports := <-registered
	test.That(t, reports, test.ShouldHaveLength, 1)
	test.That(t, reports[0].Context, test.ShouldEqual, "sensor-1")
	test.That(t, reports[0].Requested, test.ShouldEqual, "normal")
	if runtime.GOOS == "linux" {
		test.That(t, reports[0].Err, test.ShouldBeNil)
		test.That(t, reports[0].TID, test.ShouldBeGreaterThan, 0)
		test.That(t, reports[0].Nice, test.ShouldEqual, 0)
		test.That(t, reports[0].Policy, test.ShouldEqual, "SCHED_OTHER")
	} else {
		test.That(t, errors.Is(reports[0].Err, ErrUnsupported), test.ShouldBeTrue)
	}

	close(release)
	test.That(t, <-registered, test.ShouldBeEmpty)
}

func TestLevelRemembered(t *testing.T) {
	c := New(nil)
	c.SetLevel(High)
	test.That(t, c.Level(), test.ShouldEqual, High)
}

func TestMainPriority(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process niceness is only read on linux")
	}
	_, err := MainPriority()
	test.That(t, err, test.ShouldBeNil)
}
