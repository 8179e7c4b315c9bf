// Package counter numbers machine cycles and resets the count once per day
// at a configurable wall-clock hour. It performs no I/O.
package counter

import "time"

// DefaultResetHour is used when no reset hour is configured, and for legacy
// log migration.
const DefaultResetHour = 3

// Counter tracks the current cycle count and the next daily reset boundary.
// It is not safe for concurrent use; the recorder serializes access.
type Counter struct {
	resetHour int
	count     int
	nextReset time.Time // zero until configured
}

// New returns an unconfigured counter. resetHour must be in [0,23].
func New(resetHour int) *Counter {
	return &Counter{resetHour: resetHour}
}

// Configure seeds the counter from persisted history. The next reset is the
// reset hour on reference's calendar day (in reference's location), pushed to
// the following day unless it is strictly after reference.
func (c *Counter) Configure(reference time.Time, currentCount int) {
	c.count = currentCount
	c.nextReset = c.nextBoundary(reference)
}

// Record advances the counter for an event at ts and returns its cycle number.
// Crossing any number of reset boundaries zeroes the count exactly once.
func (c *Counter) Record(ts time.Time) int {
	if c.nextReset.IsZero() {
		c.Configure(ts, c.count)
	}
	for !ts.Before(c.nextReset) {
		c.count = 0
		c.nextReset = c.nextReset.AddDate(0, 0, 1)
	}
	c.count++
	return c.count
}

// Count returns the number of the last recorded cycle.
func (c *Counter) Count() int { return c.count }

// Configured reports whether a reset boundary has been computed.
func (c *Counter) Configured() bool { return !c.nextReset.IsZero() }

// NextReset returns the next reset boundary, or the zero time.
func (c *Counter) NextReset() time.Time { return c.nextReset }

// ResetHour returns the configured reset hour.
func (c *Counter) ResetHour() int { return c.resetHour }

func (c *Counter) nextBoundary(reference time.Time) time.Time {
	y, m, d := reference.Date()
	boundary := time.Date(y, m, d, c.resetHour, 0, 0, 0, reference.Location())
	if reference.Before(boundary) {
		return boundary
	}
	return boundary.AddDate(0, 0, 1)
}
