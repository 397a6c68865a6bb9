// Package file persists feed snapshots as one JSON document per feed.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"weekcal/internal/model"
)

// SnapshotStore keeps snapshots under dir, one file per feed named by a hash
// of the feed id (ids may contain anything, including slashes).
type SnapshotStore struct {
	dir string
}

func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(feedID string) string {
	sum := sha256.Sum256([]byte(feedID))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".json")
}

// Load returns the stored snapshot for feedID, or (nil, nil) if none exists.
func (s *SnapshotStore) Load(ctx context.Context, feedID string) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(feedID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.FeedID != feedID {
		// Hash collision or a hand-edited file; treat as absent.
		return nil, nil
	}
	return &snap, nil
}

// Save writes snapshot atomically via a temp file + rename.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *model.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, s.path(snapshot.FeedID))
}

// Delete removes the snapshot for feedID. Deleting a missing snapshot is not
// an error.
func (s *SnapshotStore) Delete(ctx context.Context, feedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(feedID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Prune deletes snapshots of every feed not listed in keep and returns how
// many were removed.
func (s *SnapshotStore) Prune(ctx context.Context, keep []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	wanted := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		wanted[filepath.Base(s.path(id))] = struct{}{}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
