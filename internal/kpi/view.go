// Package kpi defines the two aggregation views and their output rows.
package kpi

import (
	"time"

	"retailkpi/internal/aggregate"
	"retailkpi/internal/model"
	"retailkpi/internal/sink"
	"retailkpi/internal/watermark"
)

const (
	GlobalViewID  = "global"
	CountryViewID = "country"
)

// Options configures one view.
type Options struct {
	Width           time.Duration
	AllowedLateness time.Duration
}

// View pairs a watermark tracker with an aggregation store and knows how
// to render finalized rows.
type View struct {
	ID      string
	Tracker *watermark.Tracker
	Store   *aggregate.Store
	render  func(aggregate.Row) sink.Record
}

// NewGlobalView returns the view keyed by window only.
func NewGlobalView(o Options) *View {
	return &View{
		ID:      GlobalViewID,
		Tracker: watermark.NewTracker(o.AllowedLateness),
		Store:   aggregate.NewStore(o.Width, aggregate.ByWindow),
		render:  renderGlobal,
	}
}

// NewCountryView returns the view keyed by (window, country).
func NewCountryView(o Options) *View {
	return &View{
		ID:      CountryViewID,
		Tracker: watermark.NewTracker(o.AllowedLateness),
		Store:   aggregate.NewStore(o.Width, aggregate.ByCountry),
		render:  renderCountry,
	}
}

// Ingest advances the view watermark with ev and merges it at position at.
func (v *View) Ingest(ev model.EnrichedEvent, at aggregate.Offset) aggregate.Result {
	v.Tracker.Observe(ev.Timestamp)
	return v.Store.MergeAt(ev, v.Tracker.Current(), at)
}

// Render converts drained rows into sink records, preserving order.
func (v *View) Render(rows []aggregate.Row) []sink.Record {
	out := make([]sink.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, v.render(r))
	}
	return out
}

func renderGlobal(r aggregate.Row) sink.Record {
	return GlobalKPI{
		WindowStart:            r.Window.Start,
		WindowEnd:              r.Window.End,
		OPM:                    r.Acc.OPM(),
		TotalVolumeOfSales:     r.Acc.TotalVolumeOfSales(),
		AverageTransactionSize: r.Acc.AverageTransactionSize(),
		RateOfReturn:           r.Acc.RateOfReturn(),
	}
}

func renderCountry(r aggregate.Row) sink.Record {
	return CountryKPI{
		WindowStart:        r.Window.Start,
		WindowEnd:          r.Window.End,
		Country:            r.Group,
		OPM:                r.Acc.OPM(),
		TotalVolumeOfSales: r.Acc.TotalVolumeOfSales(),
		RateOfReturn:       r.Acc.RateOfReturn(),
	}
}
