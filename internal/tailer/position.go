// Package tailer reads the growing agent log incrementally, keeping a
// byte-offset watermark per file and detecting rollover.
package tailer

import (
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// Positions holds per-file read watermarks. In-memory during normal
// operation; captured into the persisted snapshot so a restart resumes
// the tail exactly where it left off.
//
// Positions is not internally locked: the tracker serializes access.
type Positions struct {
	byPath map[string]domain.TailPosition
	logger *zap.Logger
}

// NewPositions creates an empty position map.
func NewPositions(logger *zap.Logger) *Positions {
	return &Positions{
		byPath: make(map[string]domain.TailPosition),
		logger: logger,
	}
}

// GetSafePosition returns the offset the next read should start from.
// An unknown path reads from 0. An observed size decrease means the file
// rolled over or was truncated; the stale watermark is discarded and the
// read restarts from 0. Any shrink counts - this is a conservative
// heuristic, not inode-level rotation detection.
func (p *Positions) GetSafePosition(path string, currentSize int64) int64 {
	pos, ok := p.byPath[path]
	if !ok {
		return 0
	}

	if currentSize < pos.Offset {
		p.logger.Info("log file rolled over, restarting from beginning",
			zap.String("path", path),
			zap.Int64("stored_offset", pos.Offset),
			zap.Int64("current_size", currentSize))
		pos.Offset = 0
		pos.LastSize = currentSize
		p.byPath[path] = pos
		return 0
	}

	return pos.Offset
}

// SetPosition records the watermark after a successful read batch.
func (p *Positions) SetPosition(path string, offset, size int64) {
	p.byPath[path] = domain.TailPosition{
		Path:     path,
		Offset:   offset,
		LastSize: size,
		LastRead: time.Now(),
	}
}

// Snapshot returns a copy of all watermarks for persistence.
func (p *Positions) Snapshot() map[string]domain.TailPosition {
	out := make(map[string]domain.TailPosition, len(p.byPath))
	for k, v := range p.byPath {
		out[k] = v
	}
	return out
}

// Restore replaces all watermarks with a previously persisted copy.
func (p *Positions) Restore(saved map[string]domain.TailPosition) {
	p.byPath = make(map[string]domain.TailPosition, len(saved))
	for k, v := range saved {
		p.byPath[k] = v
	}
}
