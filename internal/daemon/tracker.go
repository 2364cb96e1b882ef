// Package daemon implements the enrollment tracker daemon loop.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/cmtrace"
	"github.com/fleetkit/enrolltrack/internal/domain"
	"github.com/fleetkit/enrolltrack/internal/rules"
	"github.com/fleetkit/enrolltrack/internal/tailer"
	"github.com/fleetkit/enrolltrack/internal/usecase"
)

// TrackerConfig holds tracker daemon configuration.
type TrackerConfig struct {
	LogPath          string        // agent log file to tail
	PollInterval     time.Duration // how often to poll the log for growth
	SnapshotInterval time.Duration // how often to persist state regardless of transitions
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig(logPath string) TrackerConfig {
	return TrackerConfig{
		LogPath:          logPath,
		PollInterval:     3 * time.Second,
		SnapshotInterval: 30 * time.Second,
	}
}

// Tracker drives the poll/tail loop: read new log chunk, parse lines,
// evaluate rules, apply matches, and periodically snapshot state so a
// process restart mid-session resumes exactly where it left off.
type Tracker struct {
	config       TrackerConfig
	reader       *tailer.Reader
	engine       *rules.Engine
	orchestrator *usecase.Orchestrator
	store        domain.SnapshotStore
	logger       *zap.Logger
}

// NewTracker creates a tracker daemon.
func NewTracker(
	config TrackerConfig,
	reader *tailer.Reader,
	engine *rules.Engine,
	orchestrator *usecase.Orchestrator,
	store domain.SnapshotStore,
	logger *zap.Logger,
) *Tracker {
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 30 * time.Second
	}
	return &Tracker{
		config:       config,
		reader:       reader,
		engine:       engine,
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
	}
}

// Run starts the tracker loop. It blocks until the context is cancelled
// or the session completes; on return the summary timer is already
// stopped, so no late callback fires into disposed state.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.orchestrator.Stop()

	t.restore()

	t.logger.Info("enrollment tracker started",
		zap.String("log", t.config.LogPath),
		zap.Duration("poll_interval", t.config.PollInterval))

	// Process whatever is already in the log before the first tick.
	t.pollOnce()

	pollTicker := time.NewTicker(t.config.PollInterval)
	snapshotTicker := time.NewTicker(t.config.SnapshotInterval)
	defer func() {
		pollTicker.Stop()
		snapshotTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("enrollment tracker stopping")
			t.saveSnapshot()
			return ctx.Err()

		case <-pollTicker.C:
			t.pollOnce()
			if t.orchestrator.ConsumeDirty() {
				t.saveSnapshot()
			}
			if t.orchestrator.Completed() {
				t.logger.Info("enrollment session completed, tracker exiting")
				return nil
			}

		case <-snapshotTicker.C:
			t.saveSnapshot()
		}
	}
}

// pollOnce reads and processes all new complete lines.
func (t *Tracker) pollOnce() {
	lines, err := t.reader.ReadNew(t.config.LogPath)
	if err != nil {
		t.logger.Warn("failed to read log tail", zap.Error(err))
		return
	}

	for _, raw := range lines {
		line, ok := cmtrace.Parse(raw)
		if !ok {
			continue
		}
		matches := t.engine.Evaluate(line, t.orchestrator.Phase())
		for _, m := range matches {
			t.orchestrator.Apply(m, line)
		}
	}
}

// restore resumes from a persisted snapshot if one exists.
func (t *Tracker) restore() {
	snap, err := t.store.Load()
	if err != nil {
		t.logger.Warn("failed to load persisted snapshot, starting fresh", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	t.orchestrator.RestoreSnapshot(snap)
	t.logger.Info("resumed from persisted snapshot",
		zap.String("session", snap.SessionID),
		zap.Int("packages", len(snap.Packages)),
		zap.Time("saved_at", snap.SavedAt))
}

// saveSnapshot persists current state. Failures degrade resume fidelity
// and are logged, never propagated into the tail path.
func (t *Tracker) saveSnapshot() {
	if t.orchestrator.Completed() {
		return
	}
	if err := t.store.Save(t.orchestrator.BuildSnapshot()); err != nil {
		t.logger.Warn("failed to persist snapshot", zap.Error(err))
	}
}
