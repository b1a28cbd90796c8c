package window

import (
	"fmt"
	"time"
)

// DefaultWidth is used when a non-positive width is configured.
const DefaultWidth = time.Minute

// Window is the half-open event-time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// ClosedBy reports whether the watermark has reached the window end.
func (w Window) ClosedBy(watermark time.Time) bool {
	return !w.End.After(watermark)
}

// Start returns floor(ts / width) * width, measured from the unix epoch.
func Start(ts time.Time, width time.Duration) time.Time {
	if width <= 0 {
		width = DefaultWidth
	}
	n := ts.UnixNano()
	w := int64(width)
	q := n / w
	if n%w != 0 && n < 0 {
		q--
	}
	return time.Unix(0, q*w).UTC()
}

// Assign returns the single tumbling window that ts belongs to.
func Assign(ts time.Time, width time.Duration) Window {
	if width <= 0 {
		width = DefaultWidth
	}
	start := Start(ts, width)
	return Window{Start: start, End: start.Add(width)}
}

// FromStart rebuilds a window from its identifying start.
func FromStart(start time.Time, width time.Duration) Window {
	if width <= 0 {
		width = DefaultWidth
	}
	return Window{Start: start.UTC(), End: start.UTC().Add(width)}
}
