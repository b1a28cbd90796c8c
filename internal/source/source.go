// Package source reads raw event payloads together with their input
// position and commits positions once every view has checkpointed them.
package source

import (
	"context"
)

// Message is one raw payload and its position in the input.
type Message struct {
	Partition int32
	Offset    int64
	Value     []byte
}

// Source is pulled synchronously by the ingestion loop. Next returns io.EOF
// when a bounded source is exhausted.
type Source interface {
	Next(ctx context.Context) (Message, error)
	// Commit records that every offset up to and including positions[p] has
	// been checkpointed for partition p.
	Commit(ctx context.Context, positions map[int32]int64) error
	Close() error
}
