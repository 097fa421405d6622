package metrics

import (
	"sort"

	"github.com/edgegate/backend/internal/core"
)

// Sample is one extracted metric observation.
type Sample struct {
	Device string  `json:"device"`
	Metric string  `json:"metric"`
	Repeat int     `json:"repeat"`
	Value  float64 `json:"value"`
	Warmup bool    `json:"warmup"`
}

// Table collects the samples of a run. It is built by the worker in
// the collecting state and consumed by the evaluator.
type Table struct {
	samples []Sample
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add appends one observation.
func (t *Table) Add(s Sample) {
	t.samples = append(t.samples, s)
}

// Measurements returns the non-warmup values for (device, metric),
// ordered by repeat index.
func (t *Table) Measurements(device, metric string) []float64 {
	var matched []Sample
	for _, s := range t.samples {
		if s.Device == device && s.Metric == metric && !s.Warmup {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Repeat < matched[j].Repeat })
	values := make([]float64, len(matched))
	for i, s := range matched {
		values[i] = s.Value
	}
	return values
}

// Devices returns the distinct device names present, sorted.
func (t *Table) Devices() []string {
	seen := map[string]bool{}
	for _, s := range t.samples {
		seen[s.Device] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Samples returns a copy of all observations.
func (t *Table) Samples() []Sample {
	return append([]Sample(nil), t.samples...)
}

// ExtractRow pulls every mapped metric out of one payload and appends
// the resolved values to the table. Metrics whose path is nil or does
// not resolve are skipped; the evaluator decides later whether that
// matters.
func (t *Table) ExtractRow(e *Extractor, mapping core.MetricMapping, device string, repeat int, warmup bool, payload []byte) error {
	for name, path := range mapping.Metrics {
		if path.JSONPath == nil {
			continue
		}
		value, ok, err := e.Extract(payload, *path.JSONPath)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		t.Add(Sample{Device: device, Metric: name, Repeat: repeat, Value: value, Warmup: warmup})
	}
	return nil
}
