package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const LabelView = "view"

type Registry struct {
	reg *prometheus.Registry

	EventsReceived prometheus.Counter
	DecodeDropped  prometheus.Counter
	LateDropped    *prometheus.CounterVec
	ReplaySkipped  *prometheus.CounterVec

	WindowsEmitted     *prometheus.CounterVec
	SinkRetries        *prometheus.CounterVec
	SinkFailures       *prometheus.CounterVec
	CheckpointFailures *prometheus.CounterVec
	EmitLatencySec     *prometheus.HistogramVec

	Watermark        *prometheus.GaugeVec
	OpenWindows      *prometheus.GaugeVec
	FinalizerState   *prometheus.GaugeVec
	OffsetsCommitted prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	byView := []string{LabelView}
	m := &Registry{
		reg:            r,
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "retailkpi_events_received_total", Help: "Input records read from the source."}),
		DecodeDropped:  prometheus.NewCounter(prometheus.CounterOpts{Name: "retailkpi_decode_dropped_total", Help: "Records dropped because they could not be decoded."}),
		LateDropped:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_late_dropped_total", Help: "Events behind the view watermark."}, byView),
		ReplaySkipped:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_replay_skipped_total", Help: "Input positions already covered by a checkpoint."}, byView),

		WindowsEmitted:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_windows_emitted_total"}, byView),
		SinkRetries:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_sink_retries_total"}, byView),
		SinkFailures:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_sink_failures_total"}, byView),
		CheckpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retailkpi_checkpoint_failures_total"}, byView),
		EmitLatencySec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retailkpi_emit_latency_seconds",
			Buckets: prometheus.DefBuckets,
		}, byView),

		Watermark:        prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "retailkpi_watermark_seconds", Help: "Current view watermark as unix seconds."}, byView),
		OpenWindows:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "retailkpi_open_windows"}, byView),
		FinalizerState:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "retailkpi_finalizer_state", Help: "0 idle, 1 scanning, 2 emitting, 3 halted."}, byView),
		OffsetsCommitted: prometheus.NewCounter(prometheus.CounterOpts{Name: "retailkpi_offsets_committed_total"}),
	}
	r.MustRegister(
		m.EventsReceived, m.DecodeDropped, m.LateDropped, m.ReplaySkipped,
		m.WindowsEmitted, m.SinkRetries, m.SinkFailures, m.CheckpointFailures, m.EmitLatencySec,
		m.Watermark, m.OpenWindows, m.FinalizerState, m.OffsetsCommitted,
	)
	return m
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
