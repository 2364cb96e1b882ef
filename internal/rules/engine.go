package rules

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// Engine holds the active rule set behind an atomic pointer so a reload
// swaps the whole set in one step while evaluation is in flight.
type Engine struct {
	active atomic.Pointer[Set]
	logger *zap.Logger
}

// NewEngine creates an engine with an initial compiled set.
func NewEngine(set *Set, logger *zap.Logger) *Engine {
	e := &Engine{logger: logger}
	e.active.Store(set)
	return e
}

// Evaluate runs the line against the currently active set.
func (e *Engine) Evaluate(line domain.LogLine, currentPhase domain.EnrollmentPhase) []Match {
	return e.active.Load().Evaluate(line, currentPhase)
}

// Swap atomically replaces the active set.
func (e *Engine) Swap(set *Set) {
	old := e.active.Swap(set)
	e.logger.Info("rule set swapped",
		zap.Int("rules", set.Len()),
		zap.Int("previous", old.Len()))
}

// Reload compiles the source's current rule list and swaps it in.
// A failed load leaves the active set untouched.
func (e *Engine) Reload(source domain.RuleSource) error {
	configs, err := source.Rules()
	if err != nil {
		return err
	}
	set, err := Compile(configs, e.logger)
	if err != nil {
		return err
	}
	e.Swap(set)
	return nil
}
