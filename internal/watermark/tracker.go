// Package watermark tracks the event-time progress of one aggregation view.
//
// The watermark is the highest event time observed so far minus the configured
// allowed lateness. Events older than the watermark are considered late.
package watermark

import (
	"math"
	"time"

	"go.uber.org/atomic"
)

const unset = math.MinInt64

// Tracker holds the high-water mark for one view. Observe is called from the
// ingestion path while Current may be read concurrently by the finalizer.
type Tracker struct {
	lateness  time.Duration
	highWater *atomic.Int64 // unix nanos, unset until the first observation
}

// NewTracker returns a Tracker with no observations.
func NewTracker(allowedLateness time.Duration) *Tracker {
	if allowedLateness < 0 {
		allowedLateness = 0
	}
	return &Tracker{lateness: allowedLateness, highWater: atomic.NewInt64(unset)}
}

// Observe folds an event timestamp into the high-water mark. Older timestamps
// never move it backwards.
func (t *Tracker) Observe(ts time.Time) {
	n := ts.UnixNano()
	for {
		cur := t.highWater.Load()
		if cur != unset && n <= cur {
			return
		}
		if t.highWater.CAS(cur, n) {
			return
		}
	}
}

// Resume restores the high-water mark from a checkpoint.
func (t *Tracker) Resume(highWater time.Time) {
	if highWater.IsZero() {
		return
	}
	t.Observe(highWater)
}

// HighWater returns the largest observed event time, or the zero time.
func (t *Tracker) HighWater() time.Time {
	n := t.highWater.Load()
	if n == unset {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Current returns high-water minus allowed lateness, or the zero time when
// nothing has been observed yet.
func (t *Tracker) Current() time.Time {
	hw := t.HighWater()
	if hw.IsZero() {
		return hw
	}
	return hw.Add(-t.lateness)
}

// AllowedLateness returns the configured grace period.
func (t *Tracker) AllowedLateness() time.Duration { return t.lateness }
