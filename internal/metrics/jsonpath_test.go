package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/backend/internal/core"
)

var profilePayload = []byte(`{
	"execution_summary": {
		"estimated_inference_time_ms": 12.5,
		"peak_memory_mb": 45
	},
	"compute_unit_breakdown": {"npu": 85.0, "gpu": 10.0, "cpu": 5.0},
	"llm_metrics": {"time_to_first_token_ms": 192.5, "tokens_per_second": 42.0},
	"notes": "string value"
}`)

func TestExtractor_ResolvesNumericPaths(t *testing.T) {
	e := NewExtractor()

	cases := map[string]float64{
		"$.execution_summary.estimated_inference_time_ms": 12.5,
		"$.execution_summary.peak_memory_mb":              45,
		"$.compute_unit_breakdown.npu":                    85.0,
		"$.llm_metrics.tokens_per_second":                 42.0,
	}
	for path, want := range cases {
		got, ok, err := e.Extract(profilePayload, path)
		require.NoError(t, err, path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
}

func TestExtractor_MissingPathIsAbsentNotError(t *testing.T) {
	e := NewExtractor()

	_, ok, err := e.Extract(profilePayload, "$.llm_metrics.nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing intermediate object too.
	_, ok, err = e.Extract(profilePayload, "$.no_such_section.value")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtractor_NonNumericValueIsAbsent(t *testing.T) {
	e := NewExtractor()

	_, ok, err := e.Extract(profilePayload, "$.notes")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, e.Resolves(profilePayload, "$.notes"),
		"the path exists even though the value is not numeric")
	assert.False(t, e.Resolves(profilePayload, "$.missing"))
}

func TestExtractor_InvalidPathAndPayload(t *testing.T) {
	e := NewExtractor()

	_, _, err := e.Extract(profilePayload, "$.[[[")
	require.Error(t, err)

	_, _, err = e.Extract([]byte("not json"), "$.a")
	require.Error(t, err)
}

func TestTable_MeasurementsExcludeWarmup(t *testing.T) {
	table := NewTable()
	table.Add(Sample{Device: "s24", Metric: "ttft_ms", Repeat: 0, Value: 300, Warmup: true})
	table.Add(Sample{Device: "s24", Metric: "ttft_ms", Repeat: 2, Value: 190})
	table.Add(Sample{Device: "s24", Metric: "ttft_ms", Repeat: 1, Value: 195})
	table.Add(Sample{Device: "s23", Metric: "ttft_ms", Repeat: 1, Value: 240})

	assert.Equal(t, []float64{195, 190}, table.Measurements("s24", "ttft_ms"),
		"warmup excluded, ordered by repeat")
	assert.Equal(t, []string{"s23", "s24"}, table.Devices())
}

func TestTable_ExtractRow(t *testing.T) {
	e := NewExtractor()
	ttft := "$.llm_metrics.time_to_first_token_ms"
	missing := "$.llm_metrics.nonexistent"
	mapping := core.MetricMapping{Metrics: map[string]core.MetricPath{
		"ttft_ms":    {JSONPath: &ttft, Unit: "ms", Stability: core.StabilityStable},
		"no_data":    {JSONPath: &missing, Unit: "ms", Stability: core.StabilityUnstable},
		"unresolved": {JSONPath: nil, Unit: "ms", Stability: core.StabilityUnavailable},
	}}

	table := NewTable()
	require.NoError(t, table.ExtractRow(e, mapping, "s24", 1, false, profilePayload))

	assert.Equal(t, []float64{192.5}, table.Measurements("s24", "ttft_ms"))
	assert.Empty(t, table.Measurements("s24", "no_data"))
	assert.Empty(t, table.Measurements("s24", "unresolved"))
}
