package correlation

import (
	"math"
	"sort"
)

// BaselineStats holds summary statistics over trailing baseline buckets.
type BaselineStats struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// ComputeBaseline summarizes per-bucket values. It returns the zero value for
// an empty input.
func ComputeBaseline(values []float64) BaselineStats {
	if len(values) == 0 {
		return BaselineStats{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	stats := BaselineStats{
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.Mean = sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := v - stats.Mean
		variance += diff * diff
	}
	stats.StdDev = math.Sqrt(variance / float64(len(sorted)))

	return stats
}

// Deviation returns how many standard deviations v lies above the mean.
// A flat baseline yields +Inf for any increase and 0 otherwise.
func (s BaselineStats) Deviation(v float64) float64 {
	if s.StdDev == 0 {
		if v > s.Mean {
			return math.Inf(1)
		}
		return 0
	}
	return (v - s.Mean) / s.StdDev
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
