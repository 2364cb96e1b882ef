// Package infra implements the outer-layer collaborators: persistence,
// the completion marker, and device metadata collection.
package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

const snapshotFileName = "enrolltrack-state.json"

// FileSnapshotStore implements domain.SnapshotStore using a JSON file
// written with the temp-file-then-rename pattern, so a crash mid-write
// never leaves a torn snapshot.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store under stateDir.
func NewFileSnapshotStore(stateDir string) *FileSnapshotStore {
	return &FileSnapshotStore{path: filepath.Join(stateDir, snapshotFileName)}
}

// NewFileSnapshotStoreWithPath creates a store at a specific path (for testing).
func NewFileSnapshotStoreWithPath(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// Path returns the snapshot file path.
func (s *FileSnapshotStore) Path() string {
	return s.path
}

// Save writes the snapshot atomically.
func (s *FileSnapshotStore) Save(snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot. Returns (nil, nil) if none exists.
func (s *FileSnapshotStore) Load() (*domain.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	return &snap, nil
}

// Delete removes the snapshot. Deleting a missing snapshot is not an error.
func (s *FileSnapshotStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Ensure FileSnapshotStore implements domain.SnapshotStore.
var _ domain.SnapshotStore = (*FileSnapshotStore)(nil)
