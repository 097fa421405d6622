// Package monitoring exposes the service's Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsCompleted counts runs by terminal state.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "runs_completed_total",
		Help:      "Runs reaching a terminal state, by state and error code.",
	}, []string{"state", "error_code"})

	// RunTransitions counts every state-machine edge taken.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "run_transitions_total",
		Help:      "Run state transitions, by from and to state.",
	}, []string{"from", "to"})

	// RunDuration observes queued-to-terminal wall time.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Name:      "run_duration_seconds",
		Help:      "Wall time from queued to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
	}, []string{"state"})

	// GateDecisions counts gate verdicts.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "gate_decisions_total",
		Help:      "Per-gate decisions across all runs.",
	}, []string{"decision"})

	// ProbeCapabilities counts capability outcomes per probe.
	ProbeCapabilities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "probe_capabilities_total",
		Help:      "Capability probe outcomes.",
	}, []string{"capability", "available"})

	// HubRequestDuration observes compute-hub call latency.
	HubRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Name:      "hub_request_duration_seconds",
		Help:      "Latency of compute-hub API calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	// CIRequests counts ingress authentication outcomes.
	CIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "ci_requests_total",
		Help:      "CI ingress requests by authentication outcome.",
	}, []string{"outcome"})

	// ArtifactBytes tracks stored blob volume.
	ArtifactBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Name:      "artifact_bytes_total",
		Help:      "Bytes written to the content-addressed store, by kind.",
	}, []string{"kind"})

	// QueueDepth is the number of runs waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Name:      "queue_depth",
		Help:      "Queued runs awaiting a worker.",
	})
)

// ObserveHubCall records one compute-hub call.
func ObserveHubCall(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	HubRequestDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
