package correlation

import "dfir-detect/internal/schema"

// fieldMatcher fires when any single event satisfies every condition.
type fieldMatcher struct{}

func (fieldMatcher) Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	var evidence []*schema.Event
	for _, ev := range src.Query(w.TenantID, w.Start, w.End, w.Entities...) {
		if w.fresh(ev.Timestamp) && rule.Matches(ev) {
			evidence = append(evidence, ev)
		}
	}
	if len(evidence) == 0 {
		return nil, nil
	}
	res := newResult(rule, evidence, 1)
	res.MatchedConditions = len(rule.filter)
	res.Value = float64(len(evidence))
	return []MatchResult{res}, nil
}
