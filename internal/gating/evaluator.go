package gating

import (
	"fmt"

	"github.com/edgegate/backend/internal/core"
	"github.com/edgegate/backend/internal/metrics"
)

// GateDecision is the recorded verdict for one gate on one device.
type GateDecision string

const (
	GatePass    GateDecision = "pass"
	GateFail    GateDecision = "fail"
	GateSkipped GateDecision = "skipped"
)

// GateResult is one (gate, device) evaluation, in walk order.
type GateResult struct {
	Metric    string       `json:"metric"`
	Op        core.GateOp  `json:"op"`
	Threshold float64      `json:"threshold"`
	Required  bool         `json:"required"`
	Device    string       `json:"device"`
	Decision  GateDecision `json:"decision"`
	Observed  *float64     `json:"observed,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Aggregate is the per-(device, metric) summary fed into the bundle.
type Aggregate struct {
	Device  string   `json:"device"`
	Metric  string   `json:"metric"`
	Median  float64  `json:"median"`
	CV      *float64 `json:"cv,omitempty"`
	Flaky   bool     `json:"flaky"`
	Repeats int      `json:"repeats"`
}

// Evaluation is the full gating output recorded on the run and in the
// evidence bundle.
type Evaluation struct {
	Gates      []GateResult `json:"gates"`
	Aggregates []Aggregate  `json:"aggregates"`
	Outcome    core.RunState `json:"outcome"`
	ErrorCode  core.Code     `json:"error_code,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// Evaluate walks gates in declared order and devices in device-matrix
// order. A required gate on a missing or flaky metric terminates the
// walk with an error outcome; optional gates degrade to skipped.
func Evaluate(table *metrics.Table, mapping core.MetricMapping, gates []core.Gate, devices []string) Evaluation {
	eval := Evaluation{Outcome: core.RunPassed}

	seen := map[[2]string]bool{}
	record := func(device, metric string, values []float64) (float64, float64, bool) {
		median := Median(values)
		cv, cvDefined, isFlaky := flaky(metric, values)
		key := [2]string{device, metric}
		if !seen[key] {
			seen[key] = true
			agg := Aggregate{Device: device, Metric: metric, Median: median, Flaky: isFlaky, Repeats: len(values)}
			if cvDefined {
				c := cv
				agg.CV = &c
			}
			eval.Aggregates = append(eval.Aggregates, agg)
		}
		return median, cv, isFlaky
	}

	anyRequiredFailed := false
	for _, gate := range gates {
		path, mapped := mapping.Metrics[gate.Metric]
		for _, device := range devices {
			result := GateResult{
				Metric:    gate.Metric,
				Op:        gate.Op,
				Threshold: gate.Threshold,
				Required:  gate.Required,
				Device:    device,
			}

			values := table.Measurements(device, gate.Metric)
			unavailable := mapped && path.Stability == core.StabilityUnavailable
			if unavailable || len(values) == 0 {
				reason := fmt.Sprintf("metric %s has no measurements on %s", gate.Metric, device)
				if unavailable {
					reason = fmt.Sprintf("metric %s is unavailable in the workspace metric mapping", gate.Metric)
				}
				if gate.Required {
					eval.Gates = append(eval.Gates, result)
					eval.Outcome = core.RunError
					eval.ErrorCode = core.CodeMissingRequiredMetric
					eval.ErrorDetail = reason
					return eval
				}
				result.Decision = GateSkipped
				result.Reason = reason
				eval.Gates = append(eval.Gates, result)
				continue
			}

			median, cv, isFlaky := record(device, gate.Metric, values)
			if isFlaky {
				reason := fmt.Sprintf("metric %s on %s is flaky: cv=%.3f exceeds %.2f",
					gate.Metric, device, cv, cvLimit(gate.Metric))
				if gate.Required {
					eval.Gates = append(eval.Gates, result)
					eval.Outcome = core.RunError
					eval.ErrorCode = core.CodeFlakyMetric
					eval.ErrorDetail = reason
					return eval
				}
				result.Decision = GateSkipped
				result.Reason = reason
				eval.Gates = append(eval.Gates, result)
				continue
			}

			observed := median
			result.Observed = &observed
			if compare(median, gate.Op, gate.Threshold) {
				result.Decision = GatePass
			} else {
				result.Decision = GateFail
				if gate.Required {
					anyRequiredFailed = true
				}
			}
			eval.Gates = append(eval.Gates, result)
		}
	}

	if anyRequiredFailed {
		eval.Outcome = core.RunFailed
	}
	return eval
}

// compare applies a gate operator. Exact equality satisfies lte, gte
// and eq.
func compare(value float64, op core.GateOp, threshold float64) bool {
	switch op {
	case core.OpLT:
		return value < threshold
	case core.OpLTE:
		return value <= threshold
	case core.OpGT:
		return value > threshold
	case core.OpGTE:
		return value >= threshold
	case core.OpEQ:
		return value == threshold
	default:
		return false
	}
}
