package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

// Badger keeps the latest checkpoint of each view under one key.
type Badger struct {
	db *badger.DB
}

func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Save(_ context.Context, cp Checkpoint) error {
	v, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(viewKey(cp.ViewID), v)
	})
}

func (b *Badger) Load(_ context.Context, viewID string) (Checkpoint, error) {
	var cp Checkpoint
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(viewKey(viewID))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &cp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("badger load: %w", err)
	}
	return cp, nil
}

func (b *Badger) Close() error { return b.db.Close() }
