// Package aggregate holds per-window partial aggregates for one view.
//
// A Store maps (window start, group key) to an Accumulator. Merges come from
// the single ingestion goroutine and drains from the view's finalizer; a
// single mutex serializes the two for the duration of each call.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"retailkpi/internal/model"
	"retailkpi/internal/window"
)

// GroupFunc picks the grouping key of an event within a window.
type GroupFunc func(ev model.EnrichedEvent) string

// ByWindow groups all events of a window together.
func ByWindow(model.EnrichedEvent) string { return "" }

// ByCountry groups events by country within a window.
func ByCountry(ev model.EnrichedEvent) string { return ev.Country }

// Key identifies one accumulator.
type Key struct {
	WindowStart int64 // unix nanos
	Group       string
}

// Row is a finalized accumulator handed to the emitter.
type Row struct {
	Window window.Window
	Group  string
	Acc    Accumulator
}

// Entry is the persisted form of one pending accumulator.
type Entry struct {
	WindowStart time.Time   `json:"windowStart"`
	Group       string      `json:"group"`
	Acc         Accumulator `json:"acc"`
}

// Offset is a position in the input stream.
type Offset struct {
	Partition int32
	Offset    int64
}

// State is a point-in-time copy of a Store, used for checkpoints.
type State struct {
	ClosedThrough time.Time       `json:"closedThrough"`
	Positions     map[int32]int64 `json:"positions,omitempty"`
	Entries       []Entry         `json:"entries"`
}

// Result tells the caller what Merge did with an event.
type Result int

const (
	Merged Result = iota
	Late
	Replayed
)

func (r Result) String() string {
	switch r {
	case Merged:
		return "Merged"
	case Late:
		return "Late"
	case Replayed:
		return "Replayed"
	default:
		return "Unknown"
	}
}

// Store is the in-memory aggregation store of one view.
type Store struct {
	mu    sync.Mutex
	width time.Duration
	group GroupFunc
	data  map[Key]*Accumulator
	// closedThrough is the largest watermark passed to DrainClosed. Windows
	// ending at or before it were emitted and must not be recreated.
	closedThrough time.Time
	positions     map[int32]int64

	dropped  *atomic.Int64
	replayed *atomic.Int64
}

// NewStore returns an empty Store with the given window width and grouping.
func NewStore(width time.Duration, group GroupFunc) *Store {
	if width <= 0 {
		width = window.DefaultWidth
	}
	if group == nil {
		group = ByWindow
	}
	return &Store{
		width:     width,
		group:     group,
		data:      make(map[Key]*Accumulator),
		positions: make(map[int32]int64),
		dropped:   atomic.NewInt64(0),
		replayed:  atomic.NewInt64(0),
	}
}

// Width returns the window width of the store.
func (s *Store) Width() time.Duration { return s.width }

// Merge folds ev into its window unless it is behind the watermark.
func (s *Store) Merge(ev model.EnrichedEvent, watermark time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(ev, watermark)
}

// MergeAt is Merge for an event read from a tracked input position. Positions
// at or below the last one recorded for the partition are skipped as replays.
func (s *Store) MergeAt(ev model.EnrichedEvent, watermark time.Time, at Offset) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.positions[at.Partition]; ok && at.Offset <= last {
		s.replayed.Inc()
		return Replayed
	}
	s.positions[at.Partition] = at.Offset
	return s.mergeLocked(ev, watermark)
}

func (s *Store) mergeLocked(ev model.EnrichedEvent, watermark time.Time) Result {
	w := window.Assign(ev.Timestamp, s.width)
	if (!watermark.IsZero() && ev.Timestamp.Before(watermark)) ||
		(!s.closedThrough.IsZero() && w.ClosedBy(s.closedThrough)) {
		s.dropped.Inc()
		return Late
	}
	k := Key{WindowStart: w.Start.UnixNano(), Group: s.group(ev)}
	acc, ok := s.data[k]
	if !ok {
		acc = &Accumulator{}
		s.data[k] = acc
	}
	acc.Add(ev)
	return Merged
}

// DrainClosed removes and returns every entry whose window ends at or before
// the watermark, ordered by window start then group.
func (s *Store) DrainClosed(watermark time.Time) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watermark.IsZero() {
		return nil
	}
	if watermark.After(s.closedThrough) {
		s.closedThrough = watermark
	}
	var rows []Row
	for k, acc := range s.data {
		w := window.FromStart(time.Unix(0, k.WindowStart), s.width)
		if !w.ClosedBy(watermark) {
			continue
		}
		rows = append(rows, Row{Window: w, Group: k.Group, Acc: *acc})
		delete(s.data, k)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Window.Start.Equal(rows[j].Window.Start) {
			return rows[i].Window.Start.Before(rows[j].Window.Start)
		}
		return rows[i].Group < rows[j].Group
	})
	return rows
}

// Snapshot copies the pending entries, closed-through mark and positions.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		ClosedThrough: s.closedThrough,
		Positions:     make(map[int32]int64, len(s.positions)),
		Entries:       make([]Entry, 0, len(s.data)),
	}
	for p, off := range s.positions {
		st.Positions[p] = off
	}
	for k, acc := range s.data {
		st.Entries = append(st.Entries, Entry{WindowStart: time.Unix(0, k.WindowStart).UTC(), Group: k.Group, Acc: *acc})
	}
	sort.Slice(st.Entries, func(i, j int) bool {
		if !st.Entries[i].WindowStart.Equal(st.Entries[j].WindowStart) {
			return st.Entries[i].WindowStart.Before(st.Entries[j].WindowStart)
		}
		return st.Entries[i].Group < st.Entries[j].Group
	})
	return st
}

// Restore replaces the store contents with a snapshot.
func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[Key]*Accumulator, len(st.Entries))
	for _, e := range st.Entries {
		k := Key{WindowStart: e.WindowStart.UnixNano(), Group: e.Group}
		acc := e.Acc
		if cur, ok := s.data[k]; ok {
			cur.Merge(acc)
			continue
		}
		s.data[k] = &acc
	}
	s.closedThrough = st.ClosedThrough
	s.positions = make(map[int32]int64, len(st.Positions))
	for p, off := range st.Positions {
		s.positions[p] = off
	}
}

// Positions returns the last merged offset per partition.
func (s *Store) Positions() map[int32]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]int64, len(s.positions))
	for p, off := range s.positions {
		out[p] = off
	}
	return out
}

// ClosedThrough returns the largest watermark drained so far.
func (s *Store) ClosedThrough() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedThrough
}

// Len returns the number of pending accumulators.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Dropped returns the number of late events rejected so far.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Replayed returns the number of already-merged positions skipped so far.
func (s *Store) Replayed() int64 { return s.replayed.Load() }
