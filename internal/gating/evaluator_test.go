package gating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/metrics"
)

func strptr(s string) *string { return &s }

func stableMapping(names ...string) core.MetricMapping {
	m := core.MetricMapping{Metrics: map[string]core.MetricPath{}}
	for _, name := range names {
		m.Metrics[name] = core.MetricPath{JSONPath: strptr("$." + name), Unit: "x", Stability: core.StabilityStable}
	}
	return m
}

func fillTable(t *metrics.Table, device, metric string, warmup float64, values []float64) {
	t.Add(metrics.Sample{Device: device, Metric: metric, Repeat: 0, Value: warmup, Warmup: true})
	for i, v := range values {
		t.Add(metrics.Sample{Device: device, Metric: metric, Repeat: i + 1, Value: v})
	}
}

func TestEvaluate_HappyPathPasses(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "peak_ram_mb", 4000, []float64{3200, 3250, 3300})
	fillTable(table, "s24", "tokens_per_sec", 5.0, []float64{18.0, 18.5, 17.5})

	gates := []core.Gate{
		{Metric: "peak_ram_mb", Op: core.OpLTE, Threshold: 3500, Required: true},
		{Metric: "tokens_per_sec", Op: core.OpGTE, Threshold: 12, Required: false},
	}
	eval := Evaluate(table, stableMapping("peak_ram_mb", "tokens_per_sec"), gates, []string{"s24"})

	assert.Equal(t, core.RunPassed, eval.Outcome)
	require.Len(t, eval.Gates, 2)
	assert.Equal(t, GatePass, eval.Gates[0].Decision)
	assert.Equal(t, 3250.0, *eval.Gates[0].Observed, "median, warmup excluded")
	assert.Equal(t, GatePass, eval.Gates[1].Decision)
	assert.Equal(t, 18.0, *eval.Gates[1].Observed)

	// CV(tps) is well under the throughput threshold.
	for _, agg := range eval.Aggregates {
		assert.False(t, agg.Flaky, agg.Metric)
	}
}

func TestEvaluate_RequiredMetricUnavailableIsError(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "tokens_per_sec", 5.0, []float64{18.0, 18.5, 17.5})

	mapping := stableMapping("tokens_per_sec")
	mapping.Metrics["peak_ram_mb"] = core.MetricPath{JSONPath: nil, Unit: "mb", Stability: core.StabilityUnavailable}

	gates := []core.Gate{
		{Metric: "peak_ram_mb", Op: core.OpLTE, Threshold: 3500, Required: true},
		{Metric: "tokens_per_sec", Op: core.OpGTE, Threshold: 12, Required: false},
	}
	eval := Evaluate(table, mapping, gates, []string{"s24"})

	assert.Equal(t, core.RunError, eval.Outcome)
	assert.Equal(t, core.CodeMissingRequiredMetric, eval.ErrorCode)
	assert.Contains(t, eval.ErrorDetail, "peak_ram_mb")
}

func TestEvaluate_RequiredFlakyIsError(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "tokens_per_sec", 5.0, []float64{18.0, 8.0, 19.0})

	gates := []core.Gate{{Metric: "tokens_per_sec", Op: core.OpGTE, Threshold: 12, Required: true}}
	eval := Evaluate(table, stableMapping("tokens_per_sec"), gates, []string{"s24"})

	assert.Equal(t, core.RunError, eval.Outcome)
	assert.Equal(t, core.CodeFlakyMetric, eval.ErrorCode)
	assert.Contains(t, eval.ErrorDetail, "cv=0.4")
}

func TestEvaluate_OptionalMissingAndFlakyAreSkipped(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "peak_ram_mb", 4000, []float64{3000, 3000, 3010})
	fillTable(table, "s24", "ttft_ms", 900, []float64{100, 300, 100}) // latency CV > 0.20

	gates := []core.Gate{
		{Metric: "peak_ram_mb", Op: core.OpLTE, Threshold: 3500, Required: true},
		{Metric: "ttft_ms", Op: core.OpLTE, Threshold: 250, Required: false},
		{Metric: "tokens_per_sec", Op: core.OpGTE, Threshold: 12, Required: false},
	}
	eval := Evaluate(table, stableMapping("peak_ram_mb", "ttft_ms", "tokens_per_sec"), gates, []string{"s24"})

	assert.Equal(t, core.RunPassed, eval.Outcome, "skipped optional gates do not affect the outcome")
	require.Len(t, eval.Gates, 3)
	assert.Equal(t, GatePass, eval.Gates[0].Decision)
	assert.Equal(t, GateSkipped, eval.Gates[1].Decision)
	assert.Contains(t, eval.Gates[1].Reason, "flaky")
	assert.Equal(t, GateSkipped, eval.Gates[2].Decision)
	assert.Contains(t, eval.Gates[2].Reason, "no measurements")
}

func TestEvaluate_RequiredFailIsFailedOutcome(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "peak_ram_mb", 4000, []float64{3600, 3620, 3610})

	gates := []core.Gate{{Metric: "peak_ram_mb", Op: core.OpLTE, Threshold: 3500, Required: true}}
	eval := Evaluate(table, stableMapping("peak_ram_mb"), gates, []string{"s24"})

	assert.Equal(t, core.RunFailed, eval.Outcome)
	assert.Empty(t, eval.ErrorCode)
	assert.Equal(t, GateFail, eval.Gates[0].Decision)
}

func TestEvaluate_SingleRepeatNeverFlaky(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "ttft_ms", 900, []float64{150})

	gates := []core.Gate{{Metric: "ttft_ms", Op: core.OpLTE, Threshold: 250, Required: true}}
	eval := Evaluate(table, stableMapping("ttft_ms"), gates, []string{"s24"})

	assert.Equal(t, core.RunPassed, eval.Outcome, "CV undefined for N=1; median is the sole value")
	assert.Equal(t, 150.0, *eval.Gates[0].Observed)
	require.Len(t, eval.Aggregates, 1)
	assert.Nil(t, eval.Aggregates[0].CV)
}

func TestEvaluate_MedianWithOutlier(t *testing.T) {
	// N=5 with one wild outlier; the median is the middle element.
	assert.Equal(t, 101.0, Median([]float64{100, 99, 101, 5000, 102}))
	// Even count takes the mean of the two middle elements.
	assert.Equal(t, 100.5, Median([]float64{100, 99, 101, 102}))
}

func TestEvaluate_ExactEqualityOps(t *testing.T) {
	table := metrics.NewTable()
	fillTable(table, "s24", "peak_ram_mb", 4000, []float64{3500, 3500, 3500})

	for _, tc := range []struct {
		op   core.GateOp
		want GateDecision
	}{
		{core.OpLTE, GatePass},
		{core.OpGTE, GatePass},
		{core.OpEQ, GatePass},
		{core.OpLT, GateFail},
		{core.OpGT, GateFail},
	} {
		gates := []core.Gate{{Metric: "peak_ram_mb", Op: tc.op, Threshold: 3500, Required: false}}
		eval := Evaluate(table, stableMapping("peak_ram_mb"), gates, []string{"s24"})
		assert.Equal(t, tc.want, eval.Gates[0].Decision, string(tc.op))
	}
}

func TestEvaluate_DeterministicWalkOrder(t *testing.T) {
	table := metrics.NewTable()
	for _, d := range []string{"s23", "s24"} {
		fillTable(table, d, "peak_ram_mb", 4000, []float64{3000, 3010, 3020})
		fillTable(table, d, "ttft_ms", 900, []float64{150, 152, 151})
	}
	gates := []core.Gate{
		{Metric: "ttft_ms", Op: core.OpLTE, Threshold: 250, Required: true},
		{Metric: "peak_ram_mb", Op: core.OpLTE, Threshold: 3500, Required: true},
	}
	eval := Evaluate(table, stableMapping("peak_ram_mb", "ttft_ms"), gates, []string{"s24", "s23"})

	var order []string
	for _, g := range eval.Gates {
		order = append(order, g.Metric+"/"+g.Device)
	}
	assert.Equal(t, []string{
		"ttft_ms/s24", "ttft_ms/s23",
		"peak_ram_mb/s24", "peak_ram_mb/s23",
	}, order, "gates in declared order, devices in matrix order")
}

func TestCV_EdgeCases(t *testing.T) {
	_, ok := CV([]float64{5})
	assert.False(t, ok, "undefined for a single value")

	_, ok = CV([]float64{1, -1})
	assert.False(t, ok, "undefined for zero mean")

	cv, ok := CV([]float64{18.0, 8.0, 19.0})
	require.True(t, ok)
	assert.InDelta(t, 0.405, cv, 0.001)
}
