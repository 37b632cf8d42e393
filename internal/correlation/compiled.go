package correlation

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/schema"
)

// Defaults for optional spike parameters.
const (
	DefaultMinBaseline     = 1
	DefaultBaselineBuckets = 6
)

// CompiledRule is a validated rule with its conditions parsed once.
// It is immutable and safe to share between goroutines.
type CompiledRule struct {
	Rule     *Rule
	Revision string

	filter conjunction
	steps  []conjunction
}

// ID returns the rule id.
func (c *CompiledRule) ID() string { return c.Rule.ID }

// TenantID returns the owning tenant.
func (c *CompiledRule) TenantID() string { return c.Rule.TenantID }

// Type returns the pattern type.
func (c *CompiledRule) Type() PatternType { return c.Rule.Type }

// Window returns the correlation window.
func (c *CompiledRule) Window() time.Duration { return c.Rule.Window }

// EventDriven reports whether the rule is evaluated on event arrival.
func (c *CompiledRule) EventDriven() bool { return c.Rule.Type.EventDriven() }

// Span is how far back from a window end the rule reads events.
// Spike rules read their baseline windows as well.
func (c *CompiledRule) Span() time.Duration {
	return ruleSpan(c.Rule)
}

func ruleSpan(r *Rule) time.Duration {
	if r.Type != PatternSpike || r.Spike == nil {
		return r.Window
	}
	if r.Spike.Deviation > 0 {
		buckets := r.Spike.BaselineBuckets
		if buckets <= 0 {
			buckets = DefaultBaselineBuckets
		}
		return time.Duration(buckets+1) * r.Window
	}
	return 2 * r.Window
}

// Matches reports whether an event passes the rule's top-level conditions.
func (c *CompiledRule) Matches(ev *schema.Event) bool {
	return c.filter.match(ev)
}

// MatchesStep reports whether an event satisfies step i (top-level
// conditions included).
func (c *CompiledRule) MatchesStep(i int, ev *schema.Event) bool {
	return c.filter.match(ev) && c.steps[i].match(ev)
}

// StepCount returns the number of steps.
func (c *CompiledRule) StepCount() int { return len(c.steps) }

// Relevant reports whether an arriving event can contribute to an
// event-driven rule, so the scheduler only wakes rules the event touches.
func (c *CompiledRule) Relevant(ev *schema.Event) bool {
	switch c.Rule.Type {
	case PatternFieldMatch:
		return c.filter.match(ev)
	case PatternSequence, PatternTemporalJoin:
		for i := range c.steps {
			if c.MatchesStep(i, ev) {
				return true
			}
		}
	}
	return false
}

// Compile validates a rule and precompiles its conditions. maxRetention bounds
// the span a rule may read; zero disables the check. Failures are returned as
// *errors.ValidationError.
func Compile(rule *Rule, maxRetention time.Duration) (*CompiledRule, error) {
	if rule == nil {
		return nil, derrors.NewValidationError("", "", "", "rule is nil")
	}
	invalid := func(field, format string, args ...any) error {
		return derrors.NewValidationError(rule.TenantID, rule.ID, field, format, args...)
	}

	if rule.ID == "" {
		return nil, invalid("id", "is required")
	}
	if rule.TenantID == "" {
		return nil, invalid("tenant_id", "is required")
	}
	if rule.Severity < 1 || rule.Severity > 10 {
		return nil, invalid("severity", "must be between 1 and 10, got %d", rule.Severity)
	}
	if rule.Window <= 0 {
		return nil, invalid("window", "must be positive")
	}
	if span := ruleSpan(rule); maxRetention > 0 && span > maxRetention {
		return nil, invalid("window", "rule reads %v of history, exceeds max retention %v", span, maxRetention)
	}

	filter, err := compileConjunction(rule.Conditions)
	if err != nil {
		return nil, invalid("conditions", "%v", err)
	}
	compiled := &CompiledRule{Rule: rule.Clone(), filter: filter}

	switch rule.Type {
	case PatternFieldMatch:
		if len(rule.Conditions) == 0 {
			return nil, invalid("conditions", "field_match requires at least one condition")
		}

	case PatternSequence, PatternTemporalJoin:
		if len(rule.Steps) < 2 {
			return nil, invalid("steps", "%s requires at least two steps", rule.Type)
		}
		for i, step := range rule.Steps {
			if len(step.Conditions) == 0 {
				return nil, invalid("steps", "step %d has no conditions", i)
			}
			cj, err := compileConjunction(step.Conditions)
			if err != nil {
				return nil, invalid("steps", "step %d: %v", i, err)
			}
			compiled.steps = append(compiled.steps, cj)
		}

	case PatternAggregation:
		agg := rule.Aggregate
		if agg == nil {
			return nil, invalid("aggregate", "is required for aggregation rules")
		}
		switch agg.Function {
		case FuncCount:
		case FuncSum, FuncCountDistinct:
			if agg.Field == "" {
				return nil, invalid("aggregate.field", "is required for %s", agg.Function)
			}
		default:
			return nil, invalid("aggregate.function", "unknown function %q", agg.Function)
		}
		if agg.Threshold <= 0 {
			return nil, invalid("aggregate.threshold", "must be positive")
		}

	case PatternSpike:
		sp := compiled.Rule.Spike
		if sp == nil {
			return nil, invalid("spike", "is required for spike rules")
		}
		switch sp.Function {
		case "":
			sp.Function = FuncCount
		case FuncCount:
		case FuncSum:
			if sp.Field == "" {
				return nil, invalid("spike.field", "is required for sum")
			}
		default:
			return nil, invalid("spike.function", "unknown function %q", sp.Function)
		}
		if sp.Ratio < 0 || sp.Delta < 0 || sp.Deviation < 0 {
			return nil, invalid("spike", "ratio, delta and deviation must not be negative")
		}
		if sp.Ratio == 0 && sp.Delta == 0 && sp.Deviation == 0 {
			return nil, invalid("spike", "one of ratio, delta or deviation is required")
		}
		if sp.MinBaseline <= 0 {
			sp.MinBaseline = DefaultMinBaseline
		}
		if sp.Deviation > 0 {
			if sp.BaselineBuckets == 0 {
				sp.BaselineBuckets = DefaultBaselineBuckets
			}
			if sp.BaselineBuckets < 2 {
				return nil, invalid("spike.baseline_buckets", "must be at least 2")
			}
		}

	default:
		return nil, invalid("type", "unknown pattern type %q", rule.Type)
	}

	compiled.Revision = Fingerprint(rule)
	return compiled, nil
}

// Fingerprint returns a stable content hash of a rule definition.
func Fingerprint(rule *Rule) string {
	data, err := yaml.Marshal(rule)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
