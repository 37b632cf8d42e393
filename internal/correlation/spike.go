package correlation

import (
	"math"

	"dfir-detect/internal/schema"
)

// spikeMatcher compares the current window [End-W, End) against the trailing
// baseline. In ratio/delta mode the baseline is [End-2W, End-W); in deviation
// mode it is the BaselineBuckets windows before the current one.
type spikeMatcher struct{}

type spikeSeries struct {
	values []float64
	counts []int
	events []*schema.Event // current window only
}

func (spikeMatcher) Evaluate(rule *CompiledRule, w Window, src EventSource) ([]MatchResult, error) {
	sp := rule.Rule.Spike
	width := rule.Window()
	buckets := 1
	if sp.Deviation > 0 {
		buckets = sp.BaselineBuckets
	}

	start := w.End.Add(-rule.Span())
	events := filterEvents(rule, src.Query(w.TenantID, start, w.End, w.Entities...))

	series := make(map[string]*spikeSeries)
	for _, ev := range events {
		idx := int(w.End.Sub(ev.Timestamp) / width)
		if w.End.Sub(ev.Timestamp)%width == 0 && idx > 0 {
			// Bucket lower bounds are inclusive.
			idx--
		}
		if idx > buckets {
			continue
		}
		var keys []string
		if sp.GroupBy == "" {
			keys = []string{""}
		} else {
			keys = ev.EntityValues(sp.GroupBy)
		}
		for _, key := range keys {
			if key == "" && sp.GroupBy != "" {
				continue
			}
			s := series[key]
			if s == nil {
				s = &spikeSeries{values: make([]float64, buckets+1), counts: make([]int, buckets+1)}
				series[key] = s
			}
			s.counts[idx]++
			s.values[idx] += spikeValue(sp, ev)
			if idx == 0 {
				s.events = append(s.events, ev)
			}
		}
	}

	var results []MatchResult
	for _, key := range sortedKeys(series) {
		s := series[key]
		if s.counts[0] == 0 {
			continue
		}
		baselineCount := 0
		for _, c := range s.counts[1:] {
			baselineCount += c
		}
		if baselineCount < sp.MinBaseline {
			continue
		}

		cur := s.values[0]
		base := s.values[1]
		if sp.Deviation > 0 {
			base = ComputeBaseline(s.values[1:]).Mean
		}
		fired, confidence := spikeFires(sp, cur, base, s.values[1:])
		if !fired {
			continue
		}

		res := newResult(rule, s.events, confidence)
		res.GroupKey = key
		res.Value = cur
		res.Baseline = base
		res.MatchedConditions = len(rule.filter)
		results = append(results, res)
	}
	return results, nil
}

func spikeValue(sp *SpikeConfig, ev *schema.Event) float64 {
	if sp.Function != FuncSum {
		return 1
	}
	v, ok := ev.Field(sp.Field)
	if !ok {
		return 0
	}
	n, _ := schema.ToFloat64(v)
	return n
}

// spikeFires applies every configured criterion; any one firing is enough.
// Confidence is the strongest overshoot among the criteria that fired.
func spikeFires(sp *SpikeConfig, cur, base float64, baseline []float64) (bool, float64) {
	fired := false
	confidence := 0.0
	hit := func(value, threshold float64) {
		fired = true
		confidence = math.Max(confidence, excessConfidence(value, threshold))
	}

	if sp.Ratio > 0 && base > 0 {
		if ratio := cur / base; ratio >= sp.Ratio {
			hit(ratio, sp.Ratio)
		}
	}
	if sp.Delta > 0 {
		if delta := cur - base; delta >= sp.Delta {
			hit(delta, sp.Delta)
		}
	}
	if sp.Deviation > 0 {
		if dev := ComputeBaseline(baseline).Deviation(cur); dev >= sp.Deviation {
			hit(dev, sp.Deviation)
		}
	}
	return fired, confidence
}
