// Package correlation provides the detection rule model and the pattern
// matchers that evaluate rules against windows of buffered events.
package correlation

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PatternType selects the matching strategy for a rule.
type PatternType string

const (
	// PatternFieldMatch fires when any single event satisfies all conditions.
	PatternFieldMatch PatternType = "field_match"
	// PatternSequence fires when step signatures occur in order for one entity.
	PatternSequence PatternType = "sequence"
	// PatternTemporalJoin fires when all step signatures co-occur for one entity.
	PatternTemporalJoin PatternType = "temporal_join"
	// PatternAggregation fires per group whose aggregate reaches the threshold.
	PatternAggregation PatternType = "aggregation"
	// PatternSpike fires when the current window rises above a trailing baseline.
	PatternSpike PatternType = "spike"
)

// PatternTypes lists every supported pattern type.
var PatternTypes = []PatternType{
	PatternFieldMatch,
	PatternSequence,
	PatternTemporalJoin,
	PatternAggregation,
	PatternSpike,
}

// EventDriven reports whether rules of this type are evaluated on event arrival.
// Aggregation and spike rules need complete windows and run on the timer.
func (p PatternType) EventDriven() bool {
	switch p {
	case PatternFieldMatch, PatternSequence, PatternTemporalJoin:
		return true
	}
	return false
}

// Rule is a tenant-scoped detection rule definition.
type Rule struct {
	ID          string           `yaml:"id" json:"id"`
	TenantID    string           `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Type        PatternType      `yaml:"type" json:"type"`
	Enabled     bool             `yaml:"enabled" json:"enabled"`
	Severity    int              `yaml:"severity" json:"severity"`
	Category    string           `yaml:"category,omitempty" json:"category,omitempty"`
	Tags        []string         `yaml:"tags,omitempty" json:"tags,omitempty"`
	MITRE       *MITREMapping    `yaml:"mitre,omitempty" json:"mitre,omitempty"`
	Conditions  []Condition      `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Steps       []Step           `yaml:"steps,omitempty" json:"steps,omitempty"`
	Window      time.Duration    `yaml:"window" json:"window"`
	CorrelateBy string           `yaml:"correlate_by,omitempty" json:"correlate_by,omitempty"`
	Aggregate   *AggregateConfig `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	Spike       *SpikeConfig     `yaml:"spike,omitempty" json:"spike,omitempty"`
	Metadata    map[string]any   `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// MITREMapping maps the rule to MITRE ATT&CK.
type MITREMapping struct {
	TacticID    string   `yaml:"tactic_id" json:"tactic_id"`
	TacticName  string   `yaml:"tactic_name,omitempty" json:"tactic_name,omitempty"`
	TechniqueID string   `yaml:"technique_id" json:"technique_id"`
	Techniques  []string `yaml:"techniques,omitempty" json:"techniques,omitempty"`
}

// Step is one event signature of a sequence or temporal-join rule.
type Step struct {
	Name       string      `yaml:"name" json:"name"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// AggregateConfig configures aggregation rules.
type AggregateConfig struct {
	Function  string  `yaml:"function" json:"function"` // count, sum, count_distinct
	Field     string  `yaml:"field,omitempty" json:"field,omitempty"`
	GroupBy   string  `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// SpikeConfig configures spike rules. The baseline is the window immediately
// preceding the current one, of equal length.
type SpikeConfig struct {
	Function        string  `yaml:"function,omitempty" json:"function,omitempty"` // count, sum
	Field           string  `yaml:"field,omitempty" json:"field,omitempty"`
	GroupBy         string  `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Ratio           float64 `yaml:"ratio,omitempty" json:"ratio,omitempty"`
	Delta           float64 `yaml:"delta,omitempty" json:"delta,omitempty"`
	MinBaseline     int     `yaml:"min_baseline,omitempty" json:"min_baseline,omitempty"`
	Deviation       float64 `yaml:"deviation,omitempty" json:"deviation,omitempty"`
	BaselineBuckets int     `yaml:"baseline_buckets,omitempty" json:"baseline_buckets,omitempty"`
}

// Aggregate functions.
const (
	FuncCount         = "count"
	FuncSum           = "sum"
	FuncCountDistinct = "count_distinct"
)

// Defaults are per pattern-type fallbacks applied to rules that leave the
// window or threshold unset.
type Defaults struct {
	Window    time.Duration `yaml:"window"`
	Threshold float64       `yaml:"threshold"`
}

// ApplyDefaults fills unset window/threshold fields from per-type defaults.
func (r *Rule) ApplyDefaults(defaults map[PatternType]Defaults) {
	d, ok := defaults[r.Type]
	if !ok {
		return
	}
	if r.Window <= 0 {
		r.Window = d.Window
	}
	switch r.Type {
	case PatternAggregation:
		if r.Aggregate != nil && r.Aggregate.Threshold == 0 {
			r.Aggregate.Threshold = d.Threshold
		}
	case PatternSpike:
		if r.Spike != nil && r.Spike.Ratio == 0 && r.Spike.Delta == 0 && r.Spike.Deviation == 0 {
			r.Spike.Ratio = d.Threshold
		}
	}
}

// Clone returns a deep copy of the rule definition.
func (r *Rule) Clone() *Rule {
	data, err := yaml.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out Rule
	if err := yaml.Unmarshal(data, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}

// EntityKind returns the correlating entity of the rule, defaulting to host.
func (r *Rule) EntityKind() string {
	if r.CorrelateBy != "" {
		return r.CorrelateBy
	}
	return "host"
}

// ParseRule parses a rule from YAML bytes. The rule is not compiled.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses a YAML document containing either a list of rules or
// a single rule.
func ParseRules(data []byte) ([]*Rule, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}
	return rules, nil
}

// MarshalRules renders rules back to YAML.
func MarshalRules(rules []*Rule) ([]byte, error) {
	return yaml.Marshal(rules)
}
