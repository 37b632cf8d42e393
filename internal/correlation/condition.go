package correlation

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"dfir-detect/internal/schema"
)

// Operator is a sub-condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// FieldType declares how a field value is compared.
type FieldType string

const (
	// TypeString compares strings case-sensitively. It is the default.
	TypeString FieldType = "string"
	// TypeIString compares strings case-insensitively.
	TypeIString FieldType = "istring"
	// TypeNumber compares numerically.
	TypeNumber FieldType = "number"
	// TypeDate compares timestamps.
	TypeDate FieldType = "date"
	// TypeIP compares IP addresses; in/eq accept CIDR prefixes.
	TypeIP FieldType = "ip"
)

// Condition is a single sub-condition of a rule.
type Condition struct {
	Field    string    `yaml:"field" json:"field"`
	Operator Operator  `yaml:"operator" json:"operator"`
	Value    any       `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []any     `yaml:"values,omitempty" json:"values,omitempty"`
	Type     FieldType `yaml:"type,omitempty" json:"type,omitempty"`
}

// compiledCondition is a Condition with its operands parsed once.
type compiledCondition struct {
	field string
	op    Operator
	typ   FieldType

	str     string
	num     float64
	ts      time.Time
	re      *regexp.Regexp
	set     map[string]struct{}
	nums    []float64
	times   []time.Time
	prefix  netip.Prefix
	prefixs []netip.Prefix
}

func compileCondition(c Condition) (*compiledCondition, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("field is required")
	}
	typ := c.Type
	if typ == "" {
		typ = TypeString
	}
	switch typ {
	case TypeString, TypeIString, TypeNumber, TypeDate, TypeIP:
	default:
		return nil, fmt.Errorf("field %s: unknown field type %q", c.Field, typ)
	}

	cc := &compiledCondition{field: c.Field, op: c.Operator, typ: typ}

	switch c.Operator {
	case OpExists, OpNotExists:
		return cc, nil

	case OpIn, OpNotIn:
		if len(c.Values) == 0 {
			if list, ok := c.Value.([]any); ok {
				c.Values = list
			}
		}
		if len(c.Values) == 0 {
			return nil, fmt.Errorf("field %s: values required for %s", c.Field, c.Operator)
		}
		cc.set = make(map[string]struct{}, len(c.Values))
		for _, v := range c.Values {
			switch typ {
			case TypeNumber:
				n, ok := schema.ToFloat64(v)
				if !ok {
					return nil, fmt.Errorf("field %s: %v is not a number", c.Field, v)
				}
				cc.nums = append(cc.nums, n)
			case TypeDate:
				ts, ok := schema.ToTime(v)
				if !ok {
					return nil, fmt.Errorf("field %s: %v is not a date", c.Field, v)
				}
				cc.times = append(cc.times, ts)
			case TypeIP:
				p, err := parsePrefix(schema.Stringify(v))
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", c.Field, err)
				}
				cc.prefixs = append(cc.prefixs, p)
			default:
				cc.set[cc.fold(schema.Stringify(v))] = struct{}{}
			}
		}
		return cc, nil

	case OpRegex:
		pattern := schema.Stringify(c.Value)
		if typ == TypeIString && !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: invalid regex: %w", c.Field, err)
		}
		cc.re = re
		return cc, nil

	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		if c.Value == nil {
			return nil, fmt.Errorf("field %s: value required for %s", c.Field, c.Operator)
		}
		switch typ {
		case TypeNumber:
			n, ok := schema.ToFloat64(c.Value)
			if !ok {
				return nil, fmt.Errorf("field %s: %v is not a number", c.Field, c.Value)
			}
			cc.num = n
			return cc, nil
		case TypeDate:
			ts, ok := schema.ToTime(c.Value)
			if !ok {
				return nil, fmt.Errorf("field %s: %v is not a date", c.Field, c.Value)
			}
			cc.ts = ts
			return cc, nil
		case TypeIP:
			if c.Operator != OpEq && c.Operator != OpNe {
				return nil, fmt.Errorf("field %s: operator %s not supported for ip", c.Field, c.Operator)
			}
			p, err := parsePrefix(schema.Stringify(c.Value))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", c.Field, err)
			}
			cc.prefix = p
			return cc, nil
		}
		if c.Operator != OpEq && c.Operator != OpNe {
			// Ordered comparison on strings is lexical; numbers/dates need a declared type.
			if n, ok := schema.ToFloat64(c.Value); ok {
				cc.typ, cc.num = TypeNumber, n
				return cc, nil
			}
		}
		cc.str = cc.fold(schema.Stringify(c.Value))
		return cc, nil

	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		if c.Value == nil {
			return nil, fmt.Errorf("field %s: value required for %s", c.Field, c.Operator)
		}
		if typ != TypeString && typ != TypeIString {
			return nil, fmt.Errorf("field %s: operator %s requires a string field", c.Field, c.Operator)
		}
		cc.str = cc.fold(schema.Stringify(c.Value))
		return cc, nil
	}

	return nil, fmt.Errorf("field %s: unknown operator %q", c.Field, c.Operator)
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid cidr %q", s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (c *compiledCondition) fold(s string) string {
	if c.typ == TypeIString {
		return strings.ToLower(s)
	}
	return s
}

// match evaluates the condition against one event. List-valued fields
// (indicators) match when any element matches, except for negated operators
// which require every element to pass.
func (c *compiledCondition) match(ev *schema.Event) bool {
	v, ok := ev.Field(c.field)
	switch c.op {
	case OpExists:
		return ok && schema.Stringify(v) != ""
	case OpNotExists:
		return !ok || schema.Stringify(v) == ""
	}

	negated := c.op == OpNe || c.op == OpNotContains || c.op == OpNotIn
	if !ok {
		return negated
	}

	if list, isList := asList(v); isList {
		if negated {
			for _, item := range list {
				if !c.matchValue(item) {
					return false
				}
			}
			return true
		}
		for _, item := range list {
			if c.matchValue(item) {
				return true
			}
		}
		return false
	}
	return c.matchValue(v)
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []any:
		return l, true
	}
	return nil, false
}

func (c *compiledCondition) matchValue(v any) bool {
	switch c.typ {
	case TypeNumber:
		n, ok := schema.ToFloat64(v)
		if !ok {
			return c.op == OpNe || c.op == OpNotIn
		}
		return c.compareNumber(n)
	case TypeDate:
		ts, ok := schema.ToTime(v)
		if !ok {
			return c.op == OpNe || c.op == OpNotIn
		}
		return c.compareTime(ts)
	case TypeIP:
		a, err := netip.ParseAddr(schema.Stringify(v))
		if err != nil {
			return c.op == OpNe || c.op == OpNotIn
		}
		return c.compareIP(a.Unmap())
	}

	s := c.fold(schema.Stringify(v))
	switch c.op {
	case OpEq:
		return s == c.str
	case OpNe:
		return s != c.str
	case OpContains:
		return strings.Contains(s, c.str)
	case OpNotContains:
		return !strings.Contains(s, c.str)
	case OpStartsWith:
		return strings.HasPrefix(s, c.str)
	case OpEndsWith:
		return strings.HasSuffix(s, c.str)
	case OpGt:
		return s > c.str
	case OpGte:
		return s >= c.str
	case OpLt:
		return s < c.str
	case OpLte:
		return s <= c.str
	case OpRegex:
		return c.re.MatchString(schema.Stringify(v))
	case OpIn:
		_, hit := c.set[s]
		return hit
	case OpNotIn:
		_, hit := c.set[s]
		return !hit
	}
	return false
}

func (c *compiledCondition) compareNumber(n float64) bool {
	switch c.op {
	case OpEq:
		return n == c.num
	case OpNe:
		return n != c.num
	case OpGt:
		return n > c.num
	case OpGte:
		return n >= c.num
	case OpLt:
		return n < c.num
	case OpLte:
		return n <= c.num
	case OpIn, OpNotIn:
		hit := false
		for _, x := range c.nums {
			if x == n {
				hit = true
				break
			}
		}
		return hit == (c.op == OpIn)
	case OpRegex:
		return c.re.MatchString(schema.Stringify(n))
	}
	return false
}

func (c *compiledCondition) compareTime(ts time.Time) bool {
	switch c.op {
	case OpEq:
		return ts.Equal(c.ts)
	case OpNe:
		return !ts.Equal(c.ts)
	case OpGt:
		return ts.After(c.ts)
	case OpGte:
		return !ts.Before(c.ts)
	case OpLt:
		return ts.Before(c.ts)
	case OpLte:
		return !ts.After(c.ts)
	case OpIn, OpNotIn:
		hit := false
		for _, x := range c.times {
			if x.Equal(ts) {
				hit = true
				break
			}
		}
		return hit == (c.op == OpIn)
	case OpRegex:
		return c.re.MatchString(schema.Stringify(ts))
	}
	return false
}

func (c *compiledCondition) compareIP(a netip.Addr) bool {
	switch c.op {
	case OpEq:
		return c.prefix.Contains(a)
	case OpNe:
		return !c.prefix.Contains(a)
	case OpIn, OpNotIn:
		hit := false
		for _, p := range c.prefixs {
			if p.Contains(a) {
				hit = true
				break
			}
		}
		return hit == (c.op == OpIn)
	case OpRegex:
		return c.re.MatchString(a.String())
	}
	return false
}

// conjunction is an AND of compiled conditions.
type conjunction []*compiledCondition

func compileConjunction(conds []Condition) (conjunction, error) {
	out := make(conjunction, 0, len(conds))
	for i, c := range conds {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, cc)
	}
	return out, nil
}

func (cj conjunction) match(ev *schema.Event) bool {
	for _, c := range cj {
		if !c.match(ev) {
			return false
		}
	}
	return true
}
