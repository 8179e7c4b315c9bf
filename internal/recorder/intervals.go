package recorder

import (
	"time"

	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// AverageWindows are the trailing windows, in minutes, over which the mean
// cycle time is reported.
var AverageWindows = []int{5, 15, 60}

// maxIntervalSamples bounds memory when cycles arrive faster than the
// longest window can age them out.
const maxIntervalSamples = 4096

type intervalSample struct {
	end      time.Time
	duration time.Duration
}

// intervalTracker 記錄相鄰週期之間的間隔
//
// 時間早於上一個事件的記錄（例如遠端補記）不產生間隔，也不移動基準點。
type intervalTracker struct {
	previous time.Time
	last     time.Duration
	samples  []intervalSample
}

// seed sets the reference event without producing an interval.
func (t *intervalTracker) seed(ts time.Time) {
	if ts.After(t.previous) {
		t.previous = ts
	}
}

// observe records ts and returns the interval since the previous event.
// ok is false when there is no earlier event.
func (t *intervalTracker) observe(ts time.Time) (time.Duration, bool) {
	if !ts.After(t.previous) {
		return 0, false
	}
	prev := t.previous
	t.previous = ts
	if prev.IsZero() {
		return 0, false
	}

	d := ts.Sub(prev)
	t.last = d
	t.samples = append(t.samples, intervalSample{end: ts, duration: d})
	t.prune(ts)
	return d, true
}

func (t *intervalTracker) prune(now time.Time) {
	horizon := now.Add(-time.Duration(longestWindow()) * time.Minute)
	i := 0
	for i < len(t.samples) && t.samples[i].end.Before(horizon) {
		i++
	}
	if over := len(t.samples) - i - maxIntervalSamples; over > 0 {
		i += over
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// snapshot averages the intervals that ended within each window before now.
func (t *intervalTracker) snapshot(now time.Time) types.CycleTimes {
	out := types.CycleTimes{Last: t.last, Averages: make(map[int]time.Duration, len(AverageWindows))}
	for _, minutes := range AverageWindows {
		since := now.Add(-time.Duration(minutes) * time.Minute)
		var sum time.Duration
		n := 0
		for _, s := range t.samples {
			if s.end.Before(since) || s.end.After(now) {
				continue
			}
			sum += s.duration
			n++
		}
		if n > 0 {
			out.Averages[minutes] = sum / time.Duration(n)
		}
	}
	return out
}

func longestWindow() int {
	longest := 0
	for _, m := range AverageWindows {
		longest = max(longest, m)
	}
	return longest
}
