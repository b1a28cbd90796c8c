// Package finalizer closes windows of one view and emits them.
//
// Each tick scans the view store for windows whose end is at or before the
// view watermark, renders them, writes them to the view sink and then
// checkpoints the view. A sink that keeps failing after the configured
// retries, or a checkpoint that cannot be written, halts the finalizer: no
// further output is produced for that view until restart, while other
// views keep running.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"retailkpi/internal/checkpoint"
	"retailkpi/internal/kpi"
	"retailkpi/internal/metrics"
	"retailkpi/internal/sink"
)

// ErrHalted is returned by Tick once the finalizer has halted.
var ErrHalted = errors.New("finalizer halted")

// State of the finalizer state machine.
type State int32

const (
	Idle State = iota
	Scanning
	Emitting
	Halted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Scanning:
		return "SCANNING"
	case Emitting:
		return "EMITTING"
	case Halted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// DefaultBackoff is used when no sink retry policy is configured.
var DefaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Cap:      10 * time.Second,
}

type options struct {
	trigger      time.Duration
	backoff      wait.Backoff
	checkpointer checkpoint.Checkpointer
	onCheckpoint func(checkpoint.Checkpoint)
	metrics      *metrics.Registry
	logger       *zap.SugaredLogger
}

// Option configures a Finalizer.
type Option func(*options)

// WithTrigger sets the tick interval used by Run.
func WithTrigger(d time.Duration) Option {
	return func(o *options) { o.trigger = d }
}

// WithBackoff sets the sink retry policy.
func WithBackoff(b wait.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithCheckpointer persists the view after every successful tick. fn, when
// set, is called with each saved checkpoint.
func WithCheckpointer(c checkpoint.Checkpointer, fn func(checkpoint.Checkpoint)) Option {
	return func(o *options) {
		o.checkpointer = c
		o.onCheckpoint = fn
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// Finalizer drives window closing and emission for one view.
type Finalizer struct {
	view  *kpi.View
	sink  sink.Sink
	opts  options
	state *atomic.Int32
	err   *atomic.Error
}

func New(view *kpi.View, s sink.Sink, opts ...Option) *Finalizer {
	o := options{trigger: time.Minute, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.trigger <= 0 {
		o.trigger = time.Minute
	}
	if o.backoff.Steps <= 0 {
		o.backoff.Steps = 1
	}
	o.logger = o.logger.With("view", view.ID)
	return &Finalizer{
		view:  view,
		sink:  s,
		opts:  o,
		state: atomic.NewInt32(int32(Idle)),
		err:   atomic.NewError(nil),
	}
}

// ViewID returns the id of the finalized view.
func (f *Finalizer) ViewID() string { return f.view.ID }

// State returns the current state.
func (f *Finalizer) State() State { return State(f.state.Load()) }

// Err returns the error that halted the finalizer, if any.
func (f *Finalizer) Err() error { return f.err.Load() }

func (f *Finalizer) setState(s State) {
	f.state.Store(int32(s))
	f.opts.metrics.FinalizerState.WithLabelValues(f.view.ID).Set(float64(s))
}

func (f *Finalizer) halt(err error) error {
	f.err.Store(err)
	f.setState(Halted)
	f.opts.logger.Errorw("Finalizer halted", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrHalted, err)
}

// Tick runs one IDLE -> SCANNING -> EMITTING -> IDLE cycle and returns the
// number of rows emitted.
func (f *Finalizer) Tick(ctx context.Context) (int, error) {
	if f.State() == Halted {
		return 0, ErrHalted
	}
	id := f.view.ID
	f.setState(Scanning)
	wm := f.view.Tracker.Current()
	rows := f.view.Store.DrainClosed(wm)
	// Drained rows live only in memory until checkpointed; finish the cycle
	// even after cancellation.
	ctx = context.WithoutCancel(ctx)
	if !wm.IsZero() {
		f.opts.metrics.Watermark.WithLabelValues(id).Set(float64(wm.Unix()))
	}
	f.opts.metrics.OpenWindows.WithLabelValues(id).Set(float64(f.view.Store.Len()))

	if len(rows) > 0 {
		f.setState(Emitting)
		start := time.Now()
		if err := f.emit(ctx, f.view.Render(rows)); err != nil {
			f.opts.metrics.SinkFailures.WithLabelValues(id).Inc()
			return 0, f.halt(err)
		}
		f.opts.metrics.EmitLatencySec.WithLabelValues(id).Observe(time.Since(start).Seconds())
		f.opts.metrics.WindowsEmitted.WithLabelValues(id).Add(float64(len(rows)))
		f.opts.logger.Debugw("Emitted closed windows", "rows", len(rows), "watermark", wm)
	}

	if f.opts.checkpointer != nil {
		cp := checkpoint.Capture(id, f.view.Tracker, f.view.Store)
		if err := f.opts.checkpointer.Save(ctx, cp); err != nil {
			f.opts.metrics.CheckpointFailures.WithLabelValues(id).Inc()
			return len(rows), f.halt(fmt.Errorf("checkpoint: %w", err))
		}
		if f.opts.onCheckpoint != nil {
			f.opts.onCheckpoint(cp)
		}
	}
	f.setState(Idle)
	return len(rows), nil
}

// emit writes recs to every target of the view sink. Each target is
// retried with its own backoff, so a target that already accepted the batch
// is not written again when a later one fails. The batch is kept in memory
// across attempts.
func (f *Finalizer) emit(ctx context.Context, recs []sink.Record) error {
	for i, s := range sink.Targets(f.sink) {
		if err := f.emitTo(ctx, s, recs); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

func (f *Finalizer) emitTo(ctx context.Context, s sink.Sink, recs []sink.Record) error {
	var (
		attempt int
		lastErr error
	)
	steps := f.opts.backoff.Steps
	err := wait.ExponentialBackoff(f.opts.backoff, func() (bool, error) {
		attempt++
		werr := s.Write(ctx, recs)
		if werr == nil {
			return true, nil
		}
		lastErr = werr
		if attempt >= steps {
			return false, nil
		}
		f.opts.logger.Warnw("Sink write failed, retrying", zap.Error(werr), zap.Int("attempt", attempt))
		f.opts.metrics.SinkRetries.WithLabelValues(f.view.ID).Inc()
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("write failed after %d attempts: %w", attempt, lastErr)
	}
	return err
}

// Run ticks on the trigger interval until ctx is done, then runs one final
// tick so that windows closed by the last ingested events are emitted and
// checkpointed. It returns the halting error, if any.
func (f *Finalizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.trigger)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if f.State() != Halted {
				if _, err := f.Tick(context.WithoutCancel(ctx)); err != nil {
					f.opts.logger.Errorw("Final tick failed", zap.Error(err))
				}
			}
			return f.Err()
		case <-ticker.C:
			if f.State() == Halted {
				continue
			}
			if _, err := f.Tick(ctx); err != nil {
				f.opts.logger.Errorw("Tick failed", zap.Error(err))
			}
		}
	}
}
