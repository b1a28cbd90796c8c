// Package pipeline wires the source, the normalizer and the aggregation
// views together.
//
// One ingestion goroutine pulls records from the source, decodes and
// normalizes them and fans every event out to all views. Each view has its
// own finalizer goroutine. Shutdown stops ingestion first, then lets every
// finalizer run one last drain, emit and checkpoint cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"retailkpi/internal/aggregate"
	"retailkpi/internal/checkpoint"
	"retailkpi/internal/finalizer"
	"retailkpi/internal/kpi"
	"retailkpi/internal/metrics"
	"retailkpi/internal/model"
	"retailkpi/internal/sink"
	"retailkpi/internal/source"
)

// ViewSpec binds a view to its output and checkpoint storage.
type ViewSpec struct {
	View         *kpi.View
	Sink         sink.Sink
	Checkpointer checkpoint.Checkpointer
	Trigger      time.Duration
}

type Pipeline struct {
	src     source.Source
	views   []ViewSpec
	fins    []*finalizer.Finalizer
	console *sink.Console
	every   time.Duration
	metrics *metrics.Registry
	log     *zap.SugaredLogger
	backoff wait.Backoff

	mu        sync.Mutex
	latest    map[string]checkpoint.Checkpoint
	committed map[int32]int64
}

type Option func(*Pipeline)

// WithConsole logs a diagnostic row per event, flushed every interval.
func WithConsole(c *sink.Console, every time.Duration) Option {
	return func(p *Pipeline) {
		p.console = c
		if every > 0 {
			p.every = every
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithSinkBackoff sets the retry policy of every view sink.
func WithSinkBackoff(b wait.Backoff) Option {
	return func(p *Pipeline) { p.backoff = b }
}

func New(src source.Source, views []ViewSpec, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		views:     views,
		every:     time.Minute,
		backoff:   finalizer.DefaultBackoff,
		latest:    make(map[string]checkpoint.Checkpoint),
		committed: make(map[int32]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewRegistry()
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	for _, vs := range views {
		fopts := []finalizer.Option{
			finalizer.WithTrigger(vs.Trigger),
			finalizer.WithBackoff(p.backoff),
			finalizer.WithMetrics(p.metrics),
			finalizer.WithLogger(p.log),
		}
		if vs.Checkpointer != nil {
			fopts = append(fopts, finalizer.WithCheckpointer(vs.Checkpointer, p.onCheckpoint))
		}
		p.fins = append(p.fins, finalizer.New(vs.View, vs.Sink, fopts...))
	}
	return p
}

// Finalizers returns the per-view finalizers in view order.
func (p *Pipeline) Finalizers() []*finalizer.Finalizer { return p.fins }

// Restore reloads every view from its latest checkpoint. It must run before
// ingestion starts.
func (p *Pipeline) Restore(ctx context.Context) error {
	for _, vs := range p.views {
		if vs.Checkpointer == nil {
			continue
		}
		id := vs.View.ID
		cp, err := vs.Checkpointer.Load(ctx, id)
		if errors.Is(err, checkpoint.ErrNotFound) {
			p.log.Infow("No checkpoint found, starting empty", "view", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("restore view %s: %w", id, err)
		}
		checkpoint.Apply(cp, vs.View.Tracker, vs.View.Store)
		p.mu.Lock()
		p.latest[id] = cp
		p.mu.Unlock()
		p.log.Infow("Restored view from checkpoint",
			"view", id,
			"checkpoint", cp.ID,
			"watermark", cp.Watermark,
			"highWater", cp.HighWater,
			"pending", len(cp.State.Entries))
	}
	return nil
}

// Run restores the views, ingests until ctx is done or a bounded source is
// exhausted, then shuts down. It returns ingestion errors combined with the
// error of every halted view.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Restore(ctx); err != nil {
		return err
	}

	finCtx, stopFinalizers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopFinalizers()
	var g errgroup.Group
	for _, f := range p.fins {
		f := f
		g.Go(func() error {
			_ = f.Run(finCtx)
			return nil
		})
	}
	if p.console != nil {
		g.Go(func() error {
			p.flushConsole(finCtx)
			return nil
		})
	}

	ingestErr := p.ingest(ctx)
	p.log.Infow("Ingestion stopped, finalizing views")
	stopFinalizers()
	_ = g.Wait()

	err := ingestErr
	for i, f := range p.fins {
		if ferr := f.Err(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("view %s: %w: %v", p.views[i].View.ID, finalizer.ErrHalted, ferr))
		}
	}
	return err
}

func (p *Pipeline) ingest(ctx context.Context) error {
	for {
		msg, err := p.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("source: %w", err)
		}
		p.Process(msg)
	}
}

// Process decodes one input record and merges it into every view.
func (p *Pipeline) Process(msg source.Message) {
	p.metrics.EventsReceived.Inc()
	raw, err := model.Decode(msg.Value)
	if err != nil {
		p.metrics.DecodeDropped.Inc()
		p.log.Debugw("Dropping malformed record", "partition", msg.Partition, "offset", msg.Offset, zap.Error(err))
		return
	}
	ev, ok := model.Normalize(raw)
	if !ok {
		p.metrics.DecodeDropped.Inc()
		return
	}
	if p.console != nil {
		p.console.Add(ev)
	}
	at := aggregate.Offset{Partition: msg.Partition, Offset: msg.Offset}
	for _, vs := range p.views {
		switch vs.View.Ingest(ev, at) {
		case aggregate.Late:
			p.metrics.LateDropped.WithLabelValues(vs.View.ID).Inc()
		case aggregate.Replayed:
			p.metrics.ReplaySkipped.WithLabelValues(vs.View.ID).Inc()
		}
	}
}

func (p *Pipeline) flushConsole(ctx context.Context) {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.console.Flush()
			return
		case <-ticker.C:
			p.console.Flush()
		}
	}
}

// onCheckpoint commits the input positions covered by the latest checkpoint
// of every view.
func (p *Pipeline) onCheckpoint(cp checkpoint.Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[cp.ViewID] = cp
	if len(p.latest) < len(p.views) {
		return
	}
	cps := make([]checkpoint.Checkpoint, 0, len(p.latest))
	for _, c := range p.latest {
		cps = append(cps, c)
	}
	advanced := make(map[int32]int64)
	for part, off := range checkpoint.MinPositions(cps...) {
		if last, ok := p.committed[part]; ok && off <= last {
			continue
		}
		advanced[part] = off
	}
	if len(advanced) == 0 {
		return
	}
	if err := p.src.Commit(context.Background(), advanced); err != nil {
		p.log.Warnw("Failed to commit source offsets", zap.Error(err))
		return
	}
	for part, off := range advanced {
		p.committed[part] = off
	}
	p.metrics.OffsetsCommitted.Add(float64(len(advanced)))
}

// Close releases the source, every sink and every checkpointer.
func (p *Pipeline) Close() error {
	err := p.src.Close()
	for _, vs := range p.views {
		if vs.Sink != nil {
			err = multierr.Append(err, vs.Sink.Close())
		}
		if vs.Checkpointer != nil {
			err = multierr.Append(err, vs.Checkpointer.Close())
		}
	}
	return err
}
