package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

const (
	manifestFile = "manifest.latest.json"
	stateFile    = "state.json"
)

// Manifest points at the latest complete snapshot of a view.
type Manifest struct {
	SnapshotID           string `json:"snapshotId"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

// Filesystem writes each checkpoint as <base>/<view>/<id>/state.json and then
// flips <base>/<view>/manifest.latest.json to it.
type Filesystem struct {
	baseDir string
	keep    int
}

func NewFilesystem(baseDir string) *Filesystem {
	return &Filesystem{baseDir: baseDir, keep: 2}
}

func (f *Filesystem) Save(_ context.Context, cp Checkpoint) error {
	viewDir := filepath.Join(f.baseDir, cp.ViewID)
	if err := os.MkdirAll(filepath.Join(viewDir, cp.ID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(viewDir, cp.ID, stateFile), b); err != nil {
		return err
	}
	m := Manifest{SnapshotID: cp.ID, CreatedAtEpochSecond: cp.CreatedAt.Unix()}
	mb, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(viewDir, manifestFile), mb); err != nil {
		return err
	}
	return f.prune(viewDir, cp.ID)
}

func (f *Filesystem) ReadManifest(viewID string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, viewID, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

func (f *Filesystem) Load(_ context.Context, viewID string) (Checkpoint, error) {
	m, err := f.ReadManifest(viewID)
	if err != nil {
		return Checkpoint{}, err
	}
	data, err := os.ReadFile(filepath.Join(f.baseDir, viewID, m.SnapshotID, stateFile))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read snapshot %s: %w", m.SnapshotID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal snapshot %s: %w", m.SnapshotID, err)
	}
	return cp, nil
}

func (f *Filesystem) Close() error { return nil }

// prune removes all but the newest snapshots of a view, never the current one.
func (f *Filesystem) prune(viewDir, current string) error {
	entries, err := os.ReadDir(viewDir)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	type snap struct {
		id  string
		mod int64
	}
	var snaps []snap
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{id: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod > snaps[j].mod })
	for i, s := range snaps {
		if i < f.keep-1 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(viewDir, s.id)); err != nil {
			return fmt.Errorf("remove snapshot %s: %w", s.id, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
