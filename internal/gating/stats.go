// Package gating turns a run's measurement table into a deterministic
// pass/fail/error decision against the pipeline's gates.
package gating

import (
	"math"
	"sort"
	"strings"
)

// Family-specific dispersion thresholds. Throughput metrics tolerate
// 15% repeat-to-repeat variance, latency metrics 20%.
const (
	throughputCVLimit = 0.15
	latencyCVLimit    = 0.20
)

// Median returns the median of values; the mean of the two middle
// elements for even counts. Values must be non-empty.
func Median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// CV returns the coefficient of variation stdev/|mean| and whether it
// is defined. It is undefined for fewer than two values or a zero mean.
func CV(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0, false
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	// Sample standard deviation.
	stdev := math.Sqrt(sq / float64(len(values)-1))
	return stdev / math.Abs(mean), true
}

// cvLimit returns the flake threshold for a metric name. Throughput
// family: tokens_per_sec, tps, *_per_sec. Everything else, including
// unlisted metrics, uses the latency rule.
func cvLimit(metric string) float64 {
	if metric == "tokens_per_sec" || metric == "tps" || strings.HasSuffix(metric, "_per_sec") {
		return throughputCVLimit
	}
	return latencyCVLimit
}

// flaky reports whether the repeats exceed the metric's dispersion
// threshold. A single repeat is never flaky.
func flaky(metric string, values []float64) (cv float64, defined, isFlaky bool) {
	cv, defined = CV(values)
	if !defined {
		return 0, false, false
	}
	return cv, true, cv > cvLimit(metric)
}
