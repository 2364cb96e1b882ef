package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

const markerFileName = "enrolltrack-complete.json"

// markerPayload is the sentinel content: enough for the host process to
// decide after a restart whether a cleanup retry is needed.
type markerPayload struct {
	SessionID   string    `json:"session_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// FileCompletionMarker implements domain.CompletionMarker as a sentinel
// file written once per completed session.
type FileCompletionMarker struct {
	path string
}

// NewFileCompletionMarker creates a marker under stateDir.
func NewFileCompletionMarker(stateDir string) *FileCompletionMarker {
	return &FileCompletionMarker{path: filepath.Join(stateDir, markerFileName)}
}

// Path returns the marker file path.
func (m *FileCompletionMarker) Path() string {
	return m.path
}

// Write creates the marker with a timestamp payload.
func (m *FileCompletionMarker) Write(sessionID string) error {
	data, err := json.Marshal(markerPayload{
		SessionID:   sessionID,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return os.WriteFile(m.path, data, 0600)
}

// Exists checks whether a marker from a previous run is present.
func (m *FileCompletionMarker) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Ensure FileCompletionMarker implements domain.CompletionMarker.
var _ domain.CompletionMarker = (*FileCompletionMarker)(nil)
