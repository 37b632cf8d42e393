package correlation

import (
	"sort"

	"dfir-detect/internal/schema"
)

// joinMatcher fires when every step is satisfied by a distinct event for one
// entity, in any order.
type joinMatcher struct{}

func (joinMatcher) Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	kind := rule.Rule.EntityKind()
	keys, groups := groupByEntity(src.Query(w.TenantID, w.Start, w.End, w.Entities...), kind)

	var results []MatchResult
	for _, key := range keys {
		if !entityAllowed(w, kind, key) {
			continue
		}
		evidence := matchJoin(rule, w, groups[key])
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

// matchJoin finds a distinct event per step with bipartite matching. With a
// freshness bound, one step is pinned to the earliest fresh event that allows
// a complete assignment.
func matchJoin(rule *CompiledRule, w Window, events []*schema.Event) []*schema.Event {
	n := rule.StepCount()
	cands := make([][]int, n)
	for s := 0; s < n; s++ {
		for i, ev := range events {
			if rule.MatchesStep(s, ev) {
				cands[s] = append(cands[s], i)
			}
		}
		if len(cands[s]) == 0 {
			return nil
		}
	}

	if w.Since.IsZero() {
		if owner := assignSteps(cands, -1, -1); owner != nil {
			return pick(events, owner)
		}
		return nil
	}

	for i, ev := range events {
		if !w.fresh(ev.Timestamp) {
			continue
		}
		for s := 0; s < n; s++ {
			if !rule.MatchesStep(s, ev) {
				continue
			}
			if owner := assignSteps(cands, s, i); owner != nil {
				return pick(events, owner)
			}
		}
	}
	return nil
}

// assignSteps returns step -> event index, or nil when no complete
// assignment exists. pinStep, when >= 0, is fixed to pinEvent.
func assignSteps(cands [][]int, pinStep, pinEvent int) []int {
	n := len(cands)
	stepOf := make(map[int]int)
	eventOf := make([]int, n)
	for s := range eventOf {
		eventOf[s] = -1
	}
	if pinStep >= 0 {
		stepOf[pinEvent] = pinStep
		eventOf[pinStep] = pinEvent
	}

	var try func(s int, seen map[int]bool) bool
	try = func(s int, seen map[int]bool) bool {
		for _, e := range cands[s] {
			if seen[e] {
				continue
			}
			seen[e] = true
			owner, taken := stepOf[e]
			if taken && owner == pinStep {
				continue
			}
			if !taken || try(owner, seen) {
				stepOf[e] = s
				eventOf[s] = e
				return true
			}
		}
		return false
	}

	for s := 0; s < n; s++ {
		if s == pinStep {
			continue
		}
		if !try(s, map[int]bool{pinEvent: pinStep >= 0}) {
			return nil
		}
	}
	return eventOf
}

func pick(events []*schema.Event, idx []int) []*schema.Event {
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)
	out := make([]*schema.Event, len(sorted))
	for i, e := range sorted {
		out[i] = events[e]
	}
	return out
}
