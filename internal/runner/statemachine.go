// Package runner is the orchestration brain: it drives a run through
// queued, preparing, submitting, running, collecting, evaluating and
// reporting to a terminal state, composing the blob store, the hub
// adapter, the gating evaluator and the evidence bundler.
package runner

import (
	"github.com/edgegate/backend/internal/core"
)

// transitions is the closed set of legal state-machine edges. Every
// non-terminal state may additionally fail to error.
var transitions = map[core.RunState][]core.RunState{
	core.RunQueued:     {core.RunPreparing},
	core.RunPreparing:  {core.RunSubmitting},
	core.RunSubmitting: {core.RunRunning},
	core.RunRunning:    {core.RunCollecting},
	core.RunCollecting: {core.RunEvaluating},
	core.RunEvaluating: {core.RunReporting},
	core.RunReporting:  {core.RunPassed, core.RunFailed},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to core.RunState) bool {
	if to == core.RunError {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
