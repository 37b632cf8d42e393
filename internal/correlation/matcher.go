package correlation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"dfir-detect/internal/schema"
)

// MaxEvidence caps the contributing event ids carried by one result.
const MaxEvidence = 256

// Window is an explicit correlation window for one tenant.
type Window struct {
	TenantID string
	Start    time.Time
	End      time.Time
	// Since restricts event-driven results to matches completed by an event
	// at or after it, so re-evaluation does not re-report old matches.
	// Zero disables the restriction.
	Since time.Time
	// Entities restricts the query to events indexed under any of these
	// entity keys ("host:H1"). Empty means the whole window.
	Entities []string
}

// Contains reports whether ts falls in [Start, End).
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

func (w Window) fresh(ts time.Time) bool {
	return w.Since.IsZero() || !ts.Before(w.Since)
}

// EventSource supplies buffered events. Query returns events with timestamps in
// [start, end), ordered by timestamp then arrival. The caller must not modify
// the returned events.
type EventSource interface {
	Query(tenantID string, start, end time.Time, entityKeys ...string) []*schema.Event
}

// MatchResult is a positive matcher decision.
type MatchResult struct {
	RuleID     string              `json:"rule_id"`
	TenantID   string              `json:"tenant_id"`
	EventIDs   []uuid.UUID         `json:"event_ids"`
	Entities   map[string][]string `json:"entities"`
	GroupKey   string              `json:"group_key,omitempty"`
	MatchedAt  time.Time           `json:"matched_at"`
	Value      float64             `json:"value,omitempty"`
	Baseline   float64             `json:"baseline,omitempty"`
	Confidence float64             `json:"confidence"`
	Severity   int                 `json:"severity"`
	// MatchedConditions counts the sub-conditions and steps satisfied.
	MatchedConditions int `json:"matched_conditions"`
}

// Matcher evaluates one pattern type.
type Matcher interface {
	Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error)
}

// MatcherFor returns the matcher for a pattern type.
func MatcherFor(t PatternType) (Matcher, error) {
	switch t {
	case PatternFieldMatch:
		return fieldMatcher{}, nil
	case PatternSequence:
		return sequenceMatcher{}, nil
	case PatternTemporalJoin:
		return joinMatcher{}, nil
	case PatternAggregation:
		return aggregationMatcher{}, nil
	case PatternSpike:
		return spikeMatcher{}, nil
	}
	return nil, fmt.Errorf("no matcher for pattern type %q", t)
}

// Evaluate runs the rule's matcher over the window.
func Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	if w.TenantID != rule.TenantID() {
		return nil, fmt.Errorf("rule %s belongs to tenant %s, not %s", rule.ID(), rule.TenantID(), w.TenantID)
	}
	if !w.Start.Before(w.End) {
		return nil, nil
	}
	m, err := MatcherFor(rule.Type())
	if err != nil {
		return nil, err
	}
	return m.Evaluate(rule, w, src)
}

// ScoreSeverity scales a rule's base severity by match confidence and
// clamps the result to 1..10.
func ScoreSeverity(base int, confidence float64) int {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	sev := int(math.Round(float64(base) * (0.8 + 0.2*confidence)))
	if sev < 1 {
		return 1
	}
	if sev > 10 {
		return 10
	}
	return sev
}

// excessConfidence maps how far a value overshoots its threshold to 0.5..1.
func excessConfidence(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	excess := (value - threshold) / threshold
	if excess < 0 {
		excess = 0
	}
	return 0.5 + 0.5*math.Min(1, excess)
}

func newResult(rule *CompiledRule, evidence []*schema.Event, confidence float64) MatchResult {
	res := MatchResult{
		RuleID:     rule.ID(),
		TenantID:   rule.TenantID(),
		Entities:   collectEntities(evidence, rule.Rule.EntityKind()),
		Confidence: confidence,
		Severity:   ScoreSeverity(rule.Rule.Severity, confidence),
	}
	n := len(evidence)
	if n > MaxEvidence {
		n = MaxEvidence
	}
	res.EventIDs = make([]uuid.UUID, 0, n)
	for _, ev := range evidence[:n] {
		res.EventIDs = append(res.EventIDs, ev.EventID)
	}
	for _, ev := range evidence {
		if ev.Timestamp.After(res.MatchedAt) {
			res.MatchedAt = ev.Timestamp
		}
	}
	return res
}

var entityKinds = []string{schema.EntityHost, schema.EntityUser, schema.EntityProcess, schema.EntityIndicator}

func collectEntities(events []*schema.Event, correlateBy string) map[string][]string {
	kinds := entityKinds
	custom := true
	for _, k := range entityKinds {
		if k == correlateBy {
			custom = false
		}
	}
	if custom && correlateBy != "" {
		kinds = append(append([]string(nil), entityKinds...), correlateBy)
	}

	out := make(map[string][]string)
	for _, kind := range kinds {
		seen := make(map[string]struct{})
		for _, ev := range events {
			for _, v := range ev.EntityValues(kind) {
				if _, dup := seen[v]; dup || v == "" {
					continue
				}
				seen[v] = struct{}{}
				out[kind] = append(out[kind], v)
			}
		}
		sort.Strings(out[kind])
	}
	return out
}

// groupByEntity partitions events by the values of an entity kind, keeping
// window order inside each group. Events without a value are dropped.
func groupByEntity(events []*schema.Event, kind string) ([]string, map[string][]*schema.Event) {
	groups := make(map[string][]*schema.Event)
	for _, ev := range events {
		for _, v := range ev.EntityValues(kind) {
			if v == "" {
				continue
			}
			groups[v] = append(groups[v], ev)
		}
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}

// entityAllowed reports whether an entity value passes the window filter for
// the given kind. A filter naming no key of this kind allows everything.
func entityAllowed(w Window, kind, value string) bool {
	if len(w.Entities) == 0 {
		return true
	}
	prefix := kind + ":"
	scoped := false
	for _, key := range w.Entities {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			scoped = true
			if key[len(prefix):] == value {
				return true
			}
		}
	}
	return !scoped
}

// TriggerEntities returns the entity keys an arriving event narrows an
// event-driven evaluation to. Rules correlating on a field the buffer does not
// index get no filter.
func TriggerEntities(rule *CompiledRule, ev *schema.Event) []string {
	kind := rule.Rule.EntityKind()
	indexed := false
	for _, k := range entityKinds {
		if k == kind {
			indexed = true
		}
	}
	if !indexed || rule.Type() == PatternFieldMatch {
		return nil
	}
	values := ev.EntityValues(kind)
	keys := make([]string, 0, len(values))
	for _, v := range values {
		keys = append(keys, schema.EntityKey(kind, v))
	}
	return keys
}

// SliceSource is an EventSource over a fixed slice, in slice (arrival) order.
// It backs rule dry-runs and tests.
type SliceSource []*schema.Event

// Query implements EventSource.
func (s SliceSource) Query(tenantID string, start, end time.Time, entityKeys ...string) []*schema.Event {
	want := make(map[string]struct{}, len(entityKeys))
	for _, k := range entityKeys {
		want[k] = struct{}{}
	}
	var out []*schema.Event
	for _, ev := range s {
		if ev.TenantID != tenantID || ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		if len(want) > 0 {
			hit := false
			for _, k := range ev.EntityKeys() {
				if _, ok := want[k]; ok {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
