// Package sink writes finalized KPI rows to durable outputs.
package sink

import (
	"context"

	"go.uber.org/multierr"
)

// Record is one output row. Key identifies the row within its view and is
// used as the Kafka message key and the SQLite primary key.
type Record interface {
	Key() string
	Columns() []string
	Values() []any
}

// Sink accepts ordered batches of records. A batch is either fully written
// or an error is returned; callers may retry the same batch.
type Sink interface {
	Write(ctx context.Context, recs []Record) error
	Close() error
}

// Multi fans out writes to multiple underlying sinks in order. Write stops
// at the first failing sink, so retrying a Multi rewrites the batch to the
// sinks before it. Callers that retry should use Targets and retry each
// sink on its own.
type Multi struct {
	sinks []Sink
}

func NewMulti(ss ...Sink) *Multi {
	return &Multi{sinks: ss}
}

func (m *Multi) Write(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, s := range m.sinks {
		if err := s.Write(ctx, recs); err != nil {
			return err
		}
	}
	return nil
}

// Targets returns the leaf sinks behind s, flattening nested Multi values.
func Targets(s Sink) []Sink {
	m, ok := s.(*Multi)
	if !ok {
		return []Sink{s}
	}
	var out []Sink
	for _, sub := range m.sinks {
		out = append(out, Targets(sub)...)
	}
	return out
}

func (m *Multi) Close() error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
