package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"retailkpi/internal/checkpoint"
	"retailkpi/internal/config"
	"retailkpi/internal/kpi"
	"retailkpi/internal/logging"
	"retailkpi/internal/metrics"
	"retailkpi/internal/sink"
	"retailkpi/internal/source"
)

// Build opens the source, sinks and checkpoint stores described by cfg.
func Build(ctx context.Context, cfg *config.Config, reg *metrics.Registry, log *zap.SugaredLogger) (p *Pipeline, err error) {
	if log == nil {
		log = logging.FromContext(ctx)
	}
	var closers []interface{ Close() error }
	defer func() {
		if err != nil {
			for _, c := range closers {
				err = multierr.Append(err, c.Close())
			}
		}
	}()

	var src source.Source
	switch cfg.Source.Kind {
	case "file":
		fs, ferr := source.OpenFile(cfg.Source.Path)
		if ferr != nil {
			return nil, ferr
		}
		src = fs
	case "kafka":
		ks, kerr := source.NewKafka(source.KafkaConfig{
			Bootstrap:       cfg.Kafka.Bootstrap,
			Topic:           cfg.Kafka.Topic,
			GroupID:         cfg.Kafka.GroupID,
			StartingOffsets: cfg.Kafka.StartingOffsets,
		}, log)
		if kerr != nil {
			return nil, kerr
		}
		src = ks
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
	closers = append(closers, src)

	views := []struct {
		cfg  config.ViewConfig
		view *kpi.View
	}{
		{cfg.Views.Global, kpi.NewGlobalView(kpi.Options{Width: cfg.Views.Global.Window, AllowedLateness: cfg.Views.Global.AllowedLateness})},
		{cfg.Views.Country, kpi.NewCountryView(kpi.Options{Width: cfg.Views.Country.Window, AllowedLateness: cfg.Views.Country.AllowedLateness})},
	}
	specs := make([]ViewSpec, 0, len(views))
	for _, v := range views {
		out, serr := viewSink(cfg, v.cfg, v.view.ID)
		if serr != nil {
			return nil, serr
		}
		closers = append(closers, out)
		cp, cerr := checkpoint.Open(cfg.Checkpoint.Backend, filepath.Clean(v.cfg.CheckpointDir))
		if cerr != nil {
			return nil, fmt.Errorf("open checkpoint for view %s: %w", v.view.ID, cerr)
		}
		closers = append(closers, cp)
		specs = append(specs, ViewSpec{View: v.view, Sink: out, Checkpointer: cp, Trigger: v.cfg.Trigger})
	}

	opts := []Option{
		WithMetrics(reg),
		WithLogger(log),
		WithSinkBackoff(wait.Backoff{
			Steps:    cfg.Sink.Retry.Steps,
			Duration: cfg.Sink.Retry.Initial,
			Factor:   cfg.Sink.Retry.Factor,
			Jitter:   cfg.Sink.Retry.Jitter,
			Cap:      cfg.Sink.Retry.Cap,
		}),
	}
	if cfg.Console.Enabled {
		opts = append(opts, WithConsole(sink.NewConsole(log.Named("console"), cfg.Console.MaxBatch), cfg.Views.Global.Trigger))
	}
	return New(src, specs, opts...), nil
}

// viewSink assembles the JSON-lines output of a view plus its optional
// Kafka and SQLite mirrors. Both views mirror into one SQLite file, one
// table each.
func viewSink(cfg *config.Config, vc config.ViewConfig, viewID string) (sink.Sink, error) {
	file, err := sink.NewFileSink(vc.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("output for view %s: %w", viewID, err)
	}
	outs := []sink.Sink{file}
	if vc.KafkaTopic != "" {
		outs = append(outs, sink.NewKafkaSink(cfg.Kafka.Bootstrap, vc.KafkaTopic))
	}
	if cfg.SQLite.Path != "" {
		s, err := sink.OpenSQLite(cfg.SQLite.Path, viewID+"_kpi")
		if err != nil {
			_ = sink.NewMulti(outs...).Close()
			return nil, err
		}
		outs = append(outs, s)
	}
	if len(outs) == 1 {
		return file, nil
	}
	return sink.NewMulti(outs...), nil
}
