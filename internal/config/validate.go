package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "file":
		if c.Source.Path == "" {
			return errors.New("source.path is required for source.kind=file")
		}
	case "kafka":
		if c.Kafka.Bootstrap == "" {
			return errors.New("kafka.bootstrap is required for source.kind=kafka")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required")
		}
		if c.Kafka.GroupID == "" {
			return errors.New("kafka.group_id is required")
		}
	default:
		return fmt.Errorf("source.kind must be file or kafka, got %q", c.Source.Kind)
	}
	if c.Kafka.StartingOffsets != "earliest" && c.Kafka.StartingOffsets != "latest" {
		return fmt.Errorf("kafka.starting_offsets must be earliest or latest, got %q", c.Kafka.StartingOffsets)
	}

	if err := c.Views.Global.validate("views.global"); err != nil {
		return err
	}
	if err := c.Views.Country.validate("views.country"); err != nil {
		return err
	}
	if filepath.Clean(c.Views.Global.CheckpointDir) == filepath.Clean(c.Views.Country.CheckpointDir) {
		return errors.New("views.global.checkpoint_dir and views.country.checkpoint_dir must differ")
	}
	if filepath.Clean(c.Views.Global.OutputPath) == filepath.Clean(c.Views.Country.OutputPath) {
		return errors.New("views.global.output_path and views.country.output_path must differ")
	}
	if (c.Views.Global.KafkaTopic != "" || c.Views.Country.KafkaTopic != "") && c.Kafka.Bootstrap == "" {
		return errors.New("kafka.bootstrap is required when a view kafka_topic is set")
	}

	switch c.Checkpoint.Backend {
	case "filesystem", "pebble", "badger":
	default:
		return fmt.Errorf("checkpoint.backend must be filesystem, pebble or badger, got %q", c.Checkpoint.Backend)
	}

	r := c.Sink.Retry
	if r.Steps < 1 {
		return errors.New("sink.retry.steps must be >= 1")
	}
	if r.Initial < 0 || r.Cap < 0 {
		return errors.New("sink.retry.initial and sink.retry.cap must be >= 0")
	}
	if r.Factor < 1 {
		return fmt.Errorf("sink.retry.factor must be >= 1, got %v", r.Factor)
	}
	if r.Jitter < 0 {
		return errors.New("sink.retry.jitter must be >= 0")
	}

	if c.Console.MaxBatch < 1 {
		return errors.New("console.max_batch must be >= 1")
	}
	return nil
}

func (vc *ViewConfig) validate(prefix string) error {
	if vc.Window <= 0 {
		return fmt.Errorf("%s.window must be > 0", prefix)
	}
	if vc.AllowedLateness < 0 {
		return fmt.Errorf("%s.allowed_lateness must be >= 0", prefix)
	}
	if vc.Trigger <= 0 {
		return fmt.Errorf("%s.trigger must be > 0", prefix)
	}
	if vc.OutputPath == "" {
		return fmt.Errorf("%s.output_path is required", prefix)
	}
	if vc.CheckpointDir == "" {
		return fmt.Errorf("%s.checkpoint_dir is required", prefix)
	}
	return nil
}
