package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"
)

// Pebble keeps the latest checkpoint of each view under one key.
type Pebble struct {
	db *pebble.DB
}

func NewPebble(dir string) (*Pebble, error) {
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &Pebble{db: d}, nil
}

func viewKey(viewID string) []byte { return []byte("checkpoint/" + viewID) }

func (p *Pebble) Save(_ context.Context, cp Checkpoint) error {
	b, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(viewKey(cp.ViewID), b, nil); err != nil {
		return fmt.Errorf("batch set: %w", err)
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Pebble) Load(_ context.Context, viewID string) (Checkpoint, error) {
	v, closer, err := p.db.Get(viewKey(viewID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	var cp Checkpoint
	if err := json.Unmarshal(v, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode: %w", err)
	}
	return cp, nil
}

func (p *Pebble) Close() error { return p.db.Close() }
