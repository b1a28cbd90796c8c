package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for optional configuration fields.
const (
	DefaultSourceKind      = "kafka"
	DefaultKafkaTopic      = "real-time-project"
	DefaultGroupID         = "retailkpi"
	DefaultStartingOffsets = "latest"
	DefaultWindow          = time.Minute
	DefaultLateness        = time.Minute
	DefaultTrigger         = time.Minute
	DefaultBackend         = "filesystem"
	DefaultRetrySteps      = 5
	DefaultRetryInitial    = 500 * time.Millisecond
	DefaultRetryFactor     = 2.0
	DefaultRetryJitter     = 0.1
	DefaultRetryCap        = 30 * time.Second
	DefaultConsoleBatch    = 10000
	DefaultMetricsAddr     = ":8080"

	DefaultGlobalOutput      = "timeKPIvalue/kpi.jsonl"
	DefaultGlobalCheckpoint  = "timeKPIvalue_cp"
	DefaultCountryOutput     = "time_countryKPIvalue/kpi.jsonl"
	DefaultCountryCheckpoint = "time_countryKPIvalue_cp"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", DefaultSourceKind)
	v.SetDefault("source.path", "")
	v.SetDefault("kafka.bootstrap", "")
	v.SetDefault("kafka.topic", DefaultKafkaTopic)
	v.SetDefault("kafka.group_id", DefaultGroupID)
	v.SetDefault("kafka.starting_offsets", DefaultStartingOffsets)
	for view, paths := range map[string][2]string{
		"global":  {DefaultGlobalOutput, DefaultGlobalCheckpoint},
		"country": {DefaultCountryOutput, DefaultCountryCheckpoint},
	} {
		v.SetDefault("views."+view+".window", DefaultWindow)
		v.SetDefault("views."+view+".allowed_lateness", DefaultLateness)
		v.SetDefault("views."+view+".trigger", DefaultTrigger)
		v.SetDefault("views."+view+".output_path", paths[0])
		v.SetDefault("views."+view+".checkpoint_dir", paths[1])
		v.SetDefault("views."+view+".kafka_topic", "")
	}
	v.SetDefault("checkpoint.backend", DefaultBackend)
	v.SetDefault("sink.retry.steps", DefaultRetrySteps)
	v.SetDefault("sink.retry.initial", DefaultRetryInitial)
	v.SetDefault("sink.retry.factor", DefaultRetryFactor)
	v.SetDefault("sink.retry.jitter", DefaultRetryJitter)
	v.SetDefault("sink.retry.cap", DefaultRetryCap)
	v.SetDefault("console.enabled", true)
	v.SetDefault("console.max_batch", DefaultConsoleBatch)
	v.SetDefault("sqlite.path", "")
	v.SetDefault("metrics.addr", DefaultMetricsAddr)
}

func (c *Config) applyDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = DefaultSourceKind
	}
	if c.Kafka.StartingOffsets == "" {
		c.Kafka.StartingOffsets = DefaultStartingOffsets
	}
	applyViewDefaults(&c.Views.Global)
	applyViewDefaults(&c.Views.Country)
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = DefaultBackend
	}
	if c.Sink.Retry.Steps == 0 {
		c.Sink.Retry.Steps = DefaultRetrySteps
	}
	if c.Sink.Retry.Factor == 0 {
		c.Sink.Retry.Factor = DefaultRetryFactor
	}
	if c.Console.MaxBatch == 0 {
		c.Console.MaxBatch = DefaultConsoleBatch
	}
}

func applyViewDefaults(vc *ViewConfig) {
	if vc.Window == 0 {
		vc.Window = DefaultWindow
	}
	if vc.Trigger == 0 {
		vc.Trigger = DefaultTrigger
	}
}
