// Package probe discovers, per workspace, what the compute hub can
// actually do: which packaging layouts compile, which metrics the
// profile payload exposes and under which JSON paths. Nothing is ever
// assumed; every claim in the capability record points at a raw
// payload artifact that justified it.
package probe

import (
	"time"

	"github.com/google/uuid"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/metrics"
)

// metricCandidates lists, per normalized metric, the canonical JSON
// paths observed in hub profile payloads, most common first.
var metricCandidates = []struct {
	name  string
	unit  string
	paths []string
}{
	{"peak_ram_mb", "mb", []string{
		"$.execution_summary.peak_memory_mb",
		"$.execution_summary.peak_ram_mb",
	}},
	{"ttft_ms", "ms", []string{
		"$.llm_metrics.time_to_first_token_ms",
	}},
	{"tokens_per_sec", "tokens/sec", []string{
		"$.llm_metrics.tokens_per_second",
	}},
	{"inference_time_ms", "ms", []string{
		"$.execution_summary.estimated_inference_time_ms",
		"$.execution_summary.inference_time_ms",
	}},
	{"npu_compute_percent", "percent", []string{"$.compute_unit_breakdown.npu"}},
	{"gpu_compute_percent", "percent", []string{"$.compute_unit_breakdown.gpu"}},
	{"cpu_compute_percent", "percent", []string{"$.compute_unit_breakdown.cpu"}},
}

// DeriveMapping builds the metric-mapping document from independent
// profile payloads. A metric is stable only when the same path yields
// a numeric value in at least two payloads; a path seen once is
// unstable; a metric with no resolving path is unavailable with a nil
// path.
func DeriveMapping(e *metrics.Extractor, workspaceID uuid.UUID, payloads [][]byte, sourceArtifacts []uuid.UUID) core.MetricMapping {
	mapping := core.MetricMapping{
		WorkspaceID:          workspaceID,
		GeneratedAt:          time.Now().UTC(),
		Metrics:              map[string]core.MetricPath{},
		DerivedFromArtifacts: append([]uuid.UUID(nil), sourceArtifacts...),
	}

	for _, candidate := range metricCandidates {
		entry := core.MetricPath{Unit: candidate.unit, Stability: core.StabilityUnavailable}
		for _, path := range candidate.paths {
			hits := 0
			for _, payload := range payloads {
				if _, ok, err := e.Extract(payload, path); err == nil && ok {
					hits++
				}
			}
			if hits >= 2 {
				p := path
				entry.JSONPath = &p
				entry.Stability = core.StabilityStable
				break
			}
			if hits == 1 && entry.Stability == core.StabilityUnavailable {
				p := path
				entry.JSONPath = &p
				entry.Stability = core.StabilityUnstable
				// Keep scanning; a later candidate might prove stable.
			}
		}
		mapping.Metrics[candidate.name] = entry
	}
	return mapping
}
