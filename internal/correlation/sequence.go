package correlation

import "dfir-detect/internal/schema"

// sequenceMatcher fires when the steps occur in order for one entity.
// Unrelated events in between are ignored.
type sequenceMatcher struct{}

func (sequenceMatcher) Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	kind := rule.Rule.EntityKind()
	keys, groups := groupByEntity(src.Query(w.TenantID, w.Start, w.End, w.Entities...), kind)

	var results []MatchResult
	for _, key := range keys {
		if !entityAllowed(w, kind, key) {
			continue
		}
		evidence := matchSequence(rule, w, groups[key])
		if evidence == nil {
			continue
		}
		res := newResult(rule, evidence, 1)
		res.GroupKey = key
		res.MatchedConditions = rule.StepCount()
		results = append(results, res)
	}
	return results, nil
}

// matchSequence assigns steps 0..n-2 greedily to their earliest events, which
// leaves the longest possible tail for the final step, then takes the first
// event after that prefix satisfying the final step and the freshness bound.
func matchSequence(rule *CompiledRule, w Window, events []*schema.Event) []*schema.Event {
	n := rule.StepCount()
	prefix := make([]*schema.Event, 0, n)
	i := 0
	for step := 0; step < n-1; step++ {
		for i < len(events) && !rule.MatchesStep(step, events[i]) {
			i++
		}
		if i == len(events) {
			return nil
		}
		prefix = append(prefix, events[i])
		i++
	}
	for ; i < len(events); i++ {
		ev := events[i]
		if rule.MatchesStep(n-1, ev) && w.fresh(ev.Timestamp) {
			return append(prefix, ev)
		}
	}
	return nil
}
