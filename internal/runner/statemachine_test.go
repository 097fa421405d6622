package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgegate/backend/internal/core"
)

func TestCanTransition_HappyChain(t *testing.T) {
	chain := []core.RunState{
		core.RunQueued, core.RunPreparing, core.RunSubmitting, core.RunRunning,
		core.RunCollecting, core.RunEvaluating, core.RunReporting, core.RunPassed,
	}
	for i := 1; i < len(chain); i++ {
		assert.True(t, CanTransition(chain[i-1], chain[i]),
			"%s -> %s", chain[i-1], chain[i])
	}
	assert.True(t, CanTransition(core.RunReporting, core.RunFailed))
}

func TestCanTransition_ErrorFromAnyNonTerminal(t *testing.T) {
	for _, from := range []core.RunState{
		core.RunQueued, core.RunPreparing, core.RunSubmitting, core.RunRunning,
		core.RunCollecting, core.RunEvaluating, core.RunReporting,
	} {
		assert.True(t, CanTransition(from, core.RunError), string(from))
	}
	for _, from := range []core.RunState{core.RunPassed, core.RunFailed, core.RunError} {
		assert.False(t, CanTransition(from, core.RunError), string(from))
	}
}

func TestCanTransition_RejectsSkipsAndReversals(t *testing.T) {
	assert.False(t, CanTransition(core.RunQueued, core.RunRunning))
	assert.False(t, CanTransition(core.RunRunning, core.RunPreparing))
	assert.False(t, CanTransition(core.RunPreparing, core.RunPassed))
	assert.False(t, CanTransition(core.RunPassed, core.RunQueued))
	assert.False(t, CanTransition(core.RunEvaluating, core.RunPassed))
}
