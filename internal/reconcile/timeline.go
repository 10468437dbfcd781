// Package reconcile rebuilds a regular sampling timeline from a recorded
// log. Hardware timestamps jitter and jump around recording pauses; per
// sensor and per recording period the samples are put back on a fixed grid
// anchored at a detected clock tick.
package reconcile

import (
	"sort"

	"github.com/large-farva/forcedaq/internal/daq"
)

// Period is a span of active sampling between a "started" marker and the
// next "pause" marker. End is nil when the recording stopped without a
// pause marker.
type Period struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// Open reports whether the period has no pause marker.
func (p Period) Open() bool { return p.End == nil }

// Span is an inclusive range of sample indices.
type Span struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Len returns the number of samples in the span.
func (s Span) Len() int { return s.Last - s.First + 1 }

// PeriodsFromMarkers pairs started and pause markers per sensor. Markers are
// taken in time order. A second start before a pause and a pause without a
// start are ignored; a start never paused yields an open period. Markers
// without a device id are not period boundaries.
func PeriodsFromMarkers(markers []daq.MarkerEvent) map[int][]Period {
	sorted := make([]daq.MarkerEvent, len(markers))
	copy(sorted, markers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	periods := make(map[int][]Period)
	open := make(map[int]int64)
	for _, m := range sorted {
		kind, id, ok := daq.ParseMarkerCode(m.Code)
		if !ok {
			continue
		}
		switch kind {
		case daq.MarkerStarted:
			if _, running := open[id]; running {
				continue
			}
			open[id] = m.Time
			if _, seen := periods[id]; !seen {
				periods[id] = nil
			}
		case daq.MarkerPause:
			start, running := open[id]
			if !running {
				continue
			}
			end := m.Time
			periods[id] = append(periods[id], Period{Start: start, End: &end})
			delete(open, id)
		}
	}
	for id, start := range open {
		periods[id] = append(periods[id], Period{Start: start})
	}
	return periods
}

// SplitByGaps cuts times into spans wherever consecutive timestamps differ
// by more than threshold.
func SplitByGaps(times []int64, threshold int64) []Span {
	if len(times) == 0 {
		return nil
	}
	var spans []Span
	first := 0
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] > threshold {
			spans = append(spans, Span{First: first, Last: i - 1})
			first = i
		}
	}
	return append(spans, Span{First: first, Last: len(times) - 1})
}

// AnchorIndex picks the sample the regular grid is anchored at. Starting at
// ref, it looks at the gap leading into each of the next lookahead samples
// and returns the first one of at least tickGap, else the first positive
// one, else ref itself. ref is clamped into the period.
func AnchorIndex(times []int64, ref, lookahead int, tickGap int64) int {
	n := len(times)
	if n == 0 {
		return 0
	}
	if ref > n-1 {
		ref = n - 1
	}
	if ref < 0 {
		ref = 0
	}
	end := ref + lookahead
	if end > n {
		end = n
	}
	start := ref
	if start < 1 {
		start = 1
	}

	positive := -1
	for i := start; i < end; i++ {
		gap := times[i] - times[i-1]
		if gap >= tickGap {
			return i
		}
		if gap > 0 && positive < 0 {
			positive = i
		}
	}
	if positive >= 0 {
		return positive
	}
	return ref
}

// RegularTimeline returns one grid point per sample with the given step.
// The sample just before the anchor keeps its recorded time.
func RegularTimeline(times []int64, anchor int, interval int64) []int64 {
	n := len(times)
	if n == 0 {
		return nil
	}
	base := anchor - 1
	if base < 0 {
		base = 0
	}
	if base > n-1 {
		base = n - 1
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = times[base] + int64(i-base)*interval
	}
	return out
}
