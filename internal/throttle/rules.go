package throttle

import (
	"fmt"
	"os"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ruleSpec is one rule as written in a rule file. Exactly one of Regexp,
// Equals and Always selects the condition.
type ruleSpec struct {
	Name       string  `yaml:"name"`
	Field      string  `yaml:"field"`
	Regexp     string  `yaml:"regexp"`
	Equals     *string `yaml:"equals"`
	Always     bool    `yaml:"always"`
	Percentage float64 `yaml:"percentage"`
}

type ruleFile struct {
	MinimalVersions map[string]string `yaml:"minimal_versions"`
	NeverDiscard    bool              `yaml:"never_discard"`
	Rules           []ruleSpec        `yaml:"rules"`
}

// RuleSet is a parsed rule file.
type RuleSet struct {
	Rules           []Rule
	MinimalVersions map[string]string
	NeverDiscard    bool
}

// Options returns throttler options carrying the rule file's settings.
func (s *RuleSet) Options() Options {
	return Options{MinimalVersions: s.MinimalVersions, NeverDiscard: s.NeverDiscard}
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read throttle rules")
	}
	return ParseRules(data)
}

// ParseRules parses YAML rule file content.
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse throttle rules")
	}
	set := &RuleSet{MinimalVersions: f.MinimalVersions, NeverDiscard: f.NeverDiscard}
	for i, spec := range f.Rules {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("rule %d", i)
		}
		if spec.Percentage < 0 || spec.Percentage > 100 {
			return nil, errors.Errorf("%s: percentage %v out of range", name, spec.Percentage)
		}
		cond, err := spec.condition()
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		set.Rules = append(set.Rules, Rule{Name: name, Condition: cond, Percentage: spec.Percentage})
	}
	return set, nil
}

func (s ruleSpec) condition() (Condition, error) {
	kinds := 0
	if s.Regexp != "" {
		kinds++
	}
	if s.Equals != nil {
		kinds++
	}
	if s.Always {
		kinds++
	}
	if kinds != 1 {
		return nil, errors.New("need exactly one of regexp, equals, always")
	}
	if s.Always {
		return Always(), nil
	}
	if s.Field == "" {
		return nil, errors.New("field is required")
	}
	if s.Equals != nil {
		return FieldEquals(s.Field, *s.Equals), nil
	}
	re, err := regexp.Compile(s.Regexp)
	if err != nil {
		return nil, errors.Wrap(err, "compile regexp")
	}
	return FieldRegexp(s.Field, re), nil
}

// DefaultRules accepts everything.
func DefaultRules() *RuleSet {
	return &RuleSet{Rules: []Rule{{Name: "all", Condition: Always(), Percentage: 100}}}
}
