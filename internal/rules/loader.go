package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// ruleFile is the on-disk YAML shape of a rule list.
type ruleFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadFile reads a YAML rule list from path.
func LoadFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule file %s contains no rules", path)
	}
	return f.Rules, nil
}

// FileSource is a domain.RuleSource backed by a YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a rule source reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Rules implements domain.RuleSource.
func (s *FileSource) Rules() ([]domain.Rule, error) {
	return LoadFile(s.path)
}

// StaticSource is a domain.RuleSource over a fixed in-memory list.
// Used when no rule file is configured.
type StaticSource struct {
	rules []domain.Rule
}

// NewStaticSource wraps a fixed rule list.
func NewStaticSource(rules []domain.Rule) *StaticSource {
	return &StaticSource{rules: rules}
}

// Rules implements domain.RuleSource.
func (s *StaticSource) Rules() ([]domain.Rule, error) {
	return s.rules, nil
}

// Ensure both sources implement domain.RuleSource.
var (
	_ domain.RuleSource = (*FileSource)(nil)
	_ domain.RuleSource = (*StaticSource)(nil)
)
