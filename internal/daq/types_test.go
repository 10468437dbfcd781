package daq

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestMarkerCodes(t *testing.T) {
	m := StartedMarker(2, 150)
	test.That(t, m.Code, test.ShouldEqual, "started:2")
	test.That(t, m.Timestamp(), test.ShouldEqual, int64(150))

	kind, id, ok := ParseMarkerCode(PauseMarker(7, 10).Code)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kind, test.ShouldEqual, MarkerPause)
	test.That(t, id, test.ShouldEqual, 7)

	kind, _, ok = ParseMarkerCode("stimulus onset")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, kind, test.ShouldEqual, "stimulus onset")

	_, _, ok = ParseMarkerCode("started:x")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestIsControlPayload(t *testing.T) {
	test.That(t, IsControlPayload("$cmd start"), test.ShouldBeTrue)
	test.That(t, IsControlPayload("trial 3"), test.ShouldBeFalse)
}

func TestBiasErrorsMatchSentinel(t *testing.T) {
	var err error = &SensorsNotBiasedError{DeviceIDs: []int{1, 3}}
	test.That(t, errors.Is(err, ErrBiasNotReady), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "1, 3")

	err = &BiasNotReadyError{DeviceID: 4}
	test.That(t, errors.Is(err, ErrBiasNotReady), test.ShouldBeTrue)
}
