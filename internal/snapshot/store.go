package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/makshsn/mpk-b24-api-sub000/internal/diff"
)

// Snapshot is the last normalized state of an item seen by the engine.
type Snapshot struct {
	FetchedAt time.Time           `json:"fetched_at"`
	Item      diff.NormalizedItem `json:"item"`
}

// Store keeps one JSON file per item under <dir>/<entityTypeID>/<itemID>.json.
// Writes go to a temp file first and are renamed into place, so readers
// never observe a partial snapshot.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &Store{dir: dir, logger: slog.Default()}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(entityTypeID, itemID int) string {
	return filepath.Join(s.dir, strconv.Itoa(entityTypeID), strconv.Itoa(itemID)+".json")
}

// Read returns the stored snapshot, or nil if none exists. An unreadable
// or corrupt file is reported as absent so the item is treated as first-seen.
func (s *Store) Read(entityTypeID, itemID int) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(entityTypeID, itemID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var raw struct {
		FetchedAt time.Time      `json:"fetched_at"`
		Item      map[string]any `json:"item"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("discarding corrupt snapshot",
			"entity_type_id", entityTypeID, "item_id", itemID, "error", err)
		return nil, nil
	}
	// Re-normalizing turns JSON arrays back into sorted []string.
	return &Snapshot{FetchedAt: raw.FetchedAt, Item: diff.Normalize(raw.Item)}, nil
}

// Save atomically replaces the snapshot for the item.
func (s *Store) Save(entityTypeID, itemID int, snap Snapshot) error {
	target := s.path(entityTypeID, itemID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating entity directory: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	tmp := target + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Write saves the snapshot and logs instead of failing. A lost write only
// makes the next event look first-seen.
func (s *Store) Write(entityTypeID, itemID int, snap Snapshot) {
	if err := s.Save(entityTypeID, itemID, snap); err != nil {
		s.logger.Error("snapshot write failed",
			"entity_type_id", entityTypeID, "item_id", itemID, "error", err)
	}
}
