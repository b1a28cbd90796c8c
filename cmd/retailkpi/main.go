package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"retailkpi/internal/config"
	"retailkpi/internal/finalizer"
	"retailkpi/internal/logging"
	"retailkpi/internal/metrics"
	"retailkpi/internal/pipeline"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	command := &cobra.Command{
		Use:           "retailkpi",
		Short:         "Compute windowed retail KPIs from a stream of orders and returns",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger()
			defer func() { _ = logger.Sync() }()
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				logger.Errorw("Failed to load configuration", zap.Error(err))
				return err
			}
			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Errorw("retailkpi failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	flags := command.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.String("source", config.DefaultSourceKind, "input source: file|kafka")
	flags.String("source-path", "", "JSON-lines file for the file source")
	flags.String("kafka-bootstrap", "", "kafka bootstrap servers, e.g. localhost:9092")
	flags.String("kafka-topic", config.DefaultKafkaTopic, "input topic")
	flags.String("group-id", config.DefaultGroupID, "consumer group id")
	flags.String("starting-offsets", config.DefaultStartingOffsets, "earliest|latest when the group has no committed offset")
	flags.String("checkpoint-backend", config.DefaultBackend, "checkpoint backend: filesystem|pebble|badger")
	flags.String("sqlite", "", "mirror KPI rows into this SQLite database")
	flags.String("metrics-addr", config.DefaultMetricsAddr, "listen address for /metrics and /healthz")
	bindFlags(v, command, map[string]string{
		"source.kind":            "source",
		"source.path":            "source-path",
		"kafka.bootstrap":        "kafka-bootstrap",
		"kafka.topic":            "kafka-topic",
		"kafka.group_id":         "group-id",
		"kafka.starting_offsets": "starting-offsets",
		"checkpoint.backend":     "checkpoint-backend",
		"sqlite.path":            "sqlite",
		"metrics.addr":           "metrics-addr",
	})
	return command
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(name))
	}
}

func run(parent context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(logging.WithLogger(parent, logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("Starting retailkpi",
		"source", cfg.Source.Kind,
		"checkpointBackend", cfg.Checkpoint.Backend,
		"globalWindow", cfg.Views.Global.Window,
		"countryWindow", cfg.Views.Country.Window)

	mreg := metrics.NewRegistry()
	p, err := pipeline.Build(ctx, cfg, mreg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newMux(mreg, p), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("Metrics server stopped", zap.Error(err))
		}
	}()

	runErr := p.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Combine(runErr, p.Close(), srv.Shutdown(shutdownCtx))
}

func newMux(mreg *metrics.Registry, p *pipeline.Pipeline) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		views := map[string]string{}
		status := "ok"
		for _, f := range p.Finalizers() {
			views[f.ViewID()] = f.State().String()
			if f.State() == finalizer.Halted {
				status = "degraded"
			}
		}
		if status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "views": views})
	})
	return mux
}
