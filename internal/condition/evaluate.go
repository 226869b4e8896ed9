package condition

import (
	"math"
	"sort"

	"alertengine/internal/domain"
)

// Evaluate runs one condition against a window of samples.
// Params: condition definition and chronologically ordered sample window.
// Returns: breach outcome; empty window or unsupported condition yields a no-data outcome.
func Evaluate(cond domain.Condition, samples []domain.Sample) domain.Outcome {
	if len(samples) == 0 {
		return domain.Outcome{NoData: true}
	}

	switch cond.Kind {
	case domain.ConditionThreshold:
		observed, ok := aggregate(cond.Aggregation, samples)
		if !ok {
			return domain.Outcome{NoData: true}
		}
		return domain.Outcome{
			Breached: compare(cond.Comparator, observed, cond.Threshold),
			Observed: observed,
		}
	case domain.ConditionBetween:
		observed, ok := aggregate(cond.Aggregation, samples)
		if !ok {
			return domain.Outcome{NoData: true}
		}
		return domain.Outcome{
			Breached: observed >= cond.Lower && observed <= cond.Upper,
			Observed: observed,
		}
	case domain.ConditionRateOfChange:
		if len(samples) < 2 {
			return domain.Outcome{NoData: true}
		}
		delta := samples[len(samples)-1].Value - samples[0].Value
		return domain.Outcome{
			Breached: compare(cond.Comparator, delta, cond.Threshold),
			Observed: delta,
		}
	default:
		return domain.Outcome{NoData: true}
	}
}

// aggregate reduces the sample window by the configured method.
// Params: aggregation tag and non-empty sample window.
// Returns: aggregated value and support flag.
func aggregate(method domain.Aggregation, samples []domain.Sample) (float64, bool) {
	switch method {
	case domain.AggLast:
		return samples[len(samples)-1].Value, true
	case domain.AggAvg:
		sum := 0.0
		for _, sample := range samples {
			sum += sample.Value
		}
		return sum / float64(len(samples)), true
	case domain.AggMax:
		max := samples[0].Value
		for _, sample := range samples[1:] {
			if sample.Value > max {
				max = sample.Value
			}
		}
		return max, true
	case domain.AggMin:
		min := samples[0].Value
		for _, sample := range samples[1:] {
			if sample.Value < min {
				min = sample.Value
			}
		}
		return min, true
	case domain.AggP95:
		return percentile(samples, 0.95), true
	default:
		return 0, false
	}
}

// percentile computes the nearest-rank percentile of the window values.
// Params: non-empty sample window and fraction in (0,1].
// Returns: percentile value.
func percentile(samples []domain.Sample, fraction float64) float64 {
	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	sort.Float64s(values)
	rank := int(math.Ceil(fraction*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return values[rank]
}

// compare applies one comparator to lhs/rhs.
// Params: comparator token and operands.
// Returns: comparison result; unknown comparators never match.
func compare(op string, lhs, rhs float64) bool {
	switch op {
	case domain.CompareGT:
		return lhs > rhs
	case domain.CompareGE:
		return lhs >= rhs
	case domain.CompareLT:
		return lhs < rhs
	case domain.CompareLE:
		return lhs <= rhs
	case domain.CompareEQ:
		return lhs == rhs
	default:
		return false
	}
}
