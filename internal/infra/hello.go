package infra

import (
	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// StaticHelloMonitor is the default domain.HelloMonitor used when no
// real Hello collaborator is wired in: Hello is reported unconfigured,
// so completion is never gated on it. Real wizard detection lives
// outside this core.
type StaticHelloMonitor struct {
	configured bool
	completed  bool
	logger     *zap.Logger
}

// NewStaticHelloMonitor creates a monitor with fixed answers.
func NewStaticHelloMonitor(configured, completed bool, logger *zap.Logger) *StaticHelloMonitor {
	return &StaticHelloMonitor{configured: configured, completed: completed, logger: logger}
}

// IsPolicyConfigured implements domain.HelloMonitor.
func (m *StaticHelloMonitor) IsPolicyConfigured() bool {
	return m.configured
}

// IsHelloCompleted implements domain.HelloMonitor.
func (m *StaticHelloMonitor) IsHelloCompleted() bool {
	return m.completed
}

// StartHelloWaitTimer implements domain.HelloMonitor.
func (m *StaticHelloMonitor) StartHelloWaitTimer() {
	m.logger.Debug("hello wait timer requested")
}

// FinalizingSetupTriggered implements domain.HelloMonitor.
func (m *StaticHelloMonitor) FinalizingSetupTriggered(reason string) {
	m.logger.Debug("finalizing setup triggered", zap.String("reason", reason))
}

// Ensure StaticHelloMonitor implements domain.HelloMonitor.
var _ domain.HelloMonitor = (*StaticHelloMonitor)(nil)
