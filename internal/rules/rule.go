// Package rules evaluates configurable regex rules against parsed log
// lines and dispatches matches to a fixed action table.
package rules

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// CompiledRule is the immutable, evaluation-ready form of a rule.
type CompiledRule struct {
	ID       string
	Category domain.RuleCategory
	Action   domain.RuleAction
	Phase    domain.EnrollmentPhase
	Params   map[string]string

	re *regexp.Regexp
}

// Match is one rule that matched one line. Params holds the rule's
// static parameters overlaid with the regex's named capture groups.
type Match struct {
	Rule   *CompiledRule
	Params map[string]string
}

// Param returns a named parameter, or "" when absent.
func (m Match) Param(name string) string {
	return m.Params[name]
}

// Set is an immutable compiled rule list. A set is swapped as a whole;
// no line is ever evaluated against a half-updated set.
type Set struct {
	rules []*CompiledRule
}

// Compile builds a Set from configuration rules, preserving order.
// Disabled rules are dropped. A rule with an invalid regex is skipped
// with a warning rather than failing the whole set; an entirely empty
// result is an error because the tracker would be blind.
func Compile(configs []domain.Rule, logger *zap.Logger) (*Set, error) {
	compiled := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			logger.Warn("skipping rule with invalid pattern",
				zap.String("rule", cfg.ID),
				zap.Error(err))
			continue
		}
		compiled = append(compiled, &CompiledRule{
			ID:       cfg.ID,
			Category: cfg.Category,
			Action:   cfg.Action,
			Phase:    cfg.Phase,
			Params:   cfg.Params,
			re:       re,
		})
	}

	if len(compiled) == 0 {
		return nil, fmt.Errorf("rule set is empty after compilation")
	}
	return &Set{rules: compiled}, nil
}

// Len returns the number of active rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// Evaluate runs every applicable rule against the line's message and
// returns matches in rule-set order. Multiple rules may match one line.
func (s *Set) Evaluate(line domain.LogLine, currentPhase domain.EnrollmentPhase) []Match {
	var matches []Match
	for _, rule := range s.rules {
		if !rule.applies(currentPhase) {
			continue
		}
		sub := rule.re.FindStringSubmatch(line.Message)
		if sub == nil {
			continue
		}
		matches = append(matches, Match{Rule: rule, Params: rule.captureParams(sub)})
	}
	return matches
}

// applies implements the category gating: Always runs unconditionally,
// CurrentPhaseOnly while the tracked phase matches the rule's phase
// context, OtherPhasesOnly while it does not.
func (r *CompiledRule) applies(currentPhase domain.EnrollmentPhase) bool {
	switch r.Category {
	case domain.CategoryAlways:
		return true
	case domain.CategoryCurrentPhaseOnly:
		return currentPhase == r.Phase
	case domain.CategoryOtherPhasesOnly:
		return currentPhase != r.Phase
	}
	return false
}

func (r *CompiledRule) captureParams(sub []string) map[string]string {
	params := make(map[string]string, len(r.Params)+len(sub))
	for k, v := range r.Params {
		params[k] = v
	}
	for i, name := range r.re.SubexpNames() {
		if name != "" && i < len(sub) && sub[i] != "" {
			params[name] = sub[i]
		}
	}
	return params
}
