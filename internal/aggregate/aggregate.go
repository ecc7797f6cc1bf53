// Package aggregate reduces the outcomes of a run to one bytes-per-second
// figure. Failed probes and samples without a positive elapsed time never
// contribute; a run with no usable sample yields 0.
package aggregate

import (
	"sort"

	"github.com/pingsantohq/dlspeed/pkg/types"
)

// Combine applies policy to the successful outcomes.
func Combine(outcomes []types.Outcome, policy types.Policy) float64 {
	results := Results(outcomes)
	switch policy {
	case types.PolicyAverageOfSpeeds:
		return AverageOfSpeeds(results)
	case types.PolicyFixedDurationAccumulate:
		return OverWindow(results)
	case types.PolicyPairwiseMerge:
		return Merge(results)
	default:
		return SumOfSpeeds(results)
	}
}

// Results returns the successful results in outcome order.
func Results(outcomes []types.Outcome) []types.ProbeResult {
	out := make([]types.ProbeResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			out = append(out, *o.Result)
		}
	}
	return out
}

// SumOfSpeeds adds the per-probe speed samples. Concurrent probes share the
// same link, so their individual rates add up to the link throughput.
func SumOfSpeeds(results []types.ProbeResult) float64 {
	var total float64
	for _, r := range results {
		speed, err := r.Speed()
		if err != nil {
			continue
		}
		total += speed
	}
	return total
}

func AverageOfSpeeds(results []types.ProbeResult) float64 {
	var (
		total float64
		n     int
	)
	for _, r := range results {
		speed, err := r.Speed()
		if err != nil {
			continue
		}
		total += speed
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// OverWindow divides all bytes by the wall time covered by at least one
// probe.
func OverWindow(results []types.ProbeResult) float64 {
	var bytes int64
	spans := make([]span, 0, len(results))
	for _, r := range results {
		if r.ElapsedMillis <= 0 {
			continue
		}
		bytes += r.Bytes
		spans = append(spans, span{start: r.StartedAtMillis, end: r.StartedAtMillis + r.ElapsedMillis})
	}
	speed, err := types.Speed(bytes, unionLength(spans))
	if err != nil {
		return 0
	}
	return speed
}

type span struct {
	start, end int64
}

func unionLength(spans []span) int64 {
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var total int64
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start <= cur.end {
			if s.end > cur.end {
				cur.end = s.end
			}
			continue
		}
		total += cur.end - cur.start
		cur = s
	}
	return total + cur.end - cur.start
}

// Merge folds the results through an Accumulator.
func Merge(results []types.ProbeResult) float64 {
	var acc Accumulator
	for _, r := range results {
		acc = acc.Add(r)
	}
	return acc.Speed()
}

// Accumulator is a mergeable summary of probe results. Merging two single
// results sums their bytes and averages their elapsed times; because it keeps
// the count, merging is associative and commutative.
type Accumulator struct {
	Bytes      int64
	ElapsedSum int64
	Count      int
}

// Add folds one result in. Results without a positive elapsed time are
// ignored.
func (a Accumulator) Add(r types.ProbeResult) Accumulator {
	if r.ElapsedMillis <= 0 {
		return a
	}
	return a.Merge(Accumulator{Bytes: r.Bytes, ElapsedSum: r.ElapsedMillis, Count: 1})
}

func (a Accumulator) Merge(b Accumulator) Accumulator {
	return Accumulator{
		Bytes:      a.Bytes + b.Bytes,
		ElapsedSum: a.ElapsedSum + b.ElapsedSum,
		Count:      a.Count + b.Count,
	}
}

// Speed is bytes over the mean elapsed time, in bytes per second.
func (a Accumulator) Speed() float64 {
	if a.Count == 0 || a.ElapsedSum <= 0 {
		return 0
	}
	mean := float64(a.ElapsedSum) / float64(a.Count)
	return float64(a.Bytes) / mean * 1000
}
