package correlation

import (
	"sort"

	"dfir-detect/internal/schema"
)

// aggregationMatcher fires once per group whose aggregate reaches the threshold.
type aggregationMatcher struct{}

func (aggregationMatcher) Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	agg := rule.Rule.Aggregate
	events := filterEvents(rule, src.Query(w.TenantID, w.Start, w.End, w.Entities...))
	keys, groups := groupEvents(events, agg.GroupBy)

	var results []MatchResult
	for _, key := range keys {
		group := groups[key]
		value := aggregate(agg.Function, agg.Field, group)
		if value < agg.Threshold {
			continue
		}
		res := newResult(rule, group, excessConfidence(value, agg.Threshold))
		res.GroupKey = key
		res.Value = value
		res.MatchedConditions = len(rule.filter)
		results = append(results, res)
	}
	return results, nil
}

func filterEvents(rule *CompiledRule, events []*schema.Event) []*schema.Event {
	out := events[:0:0]
	for _, ev := range events {
		if rule.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// groupEvents partitions events by a group-by field. An empty field puts every
// event into one group keyed "". Multi-valued fields place the event in each
// of its groups.
func groupEvents(events []*schema.Event, field string) ([]string, map[string][]*schema.Event) {
	if field == "" {
		if len(events) == 0 {
			return nil, nil
		}
		return []string{""}, map[string][]*schema.Event{"": events}
	}
	return groupByEntity(events, field)
}

func aggregate(function, field string, events []*schema.Event) float64 {
	switch function {
	case FuncSum:
		var sum float64
		for _, ev := range events {
			v, ok := ev.Field(field)
			if !ok {
				continue
			}
			if n, ok := schema.ToFloat64(v); ok {
				sum += n
			}
		}
		return sum
	case FuncCountDistinct:
		seen := make(map[string]struct{})
		for _, ev := range events {
			for _, v := range ev.EntityValues(field) {
				seen[v] = struct{}{}
			}
		}
		return float64(len(seen))
	}
	return float64(len(events))
}

// sortedKeys returns map keys in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
