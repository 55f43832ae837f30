package orchestrator

import (
	"fmt"

	"github.com/ocx/trustscore/internal/core"
)

// transitions lists the legal next states of every non-terminal state.
var transitions = map[core.PipelineState][]core.PipelineState{
	core.StateReceived:   {core.StateCollecting, core.StateFailed},
	core.StateCollecting: {core.StateScoring, core.StateFailed},
	core.StateScoring:    {core.StateClassify, core.StateFailed},
	core.StateClassify:   {core.StateDriftCheck, core.StateFailed},
	core.StateDriftCheck: {core.StateEscalated, core.StateComplete, core.StateFailed},
	core.StateEscalated:  {core.StatePersisted, core.StateFailed},
	core.StateComplete:   {core.StatePersisted, core.StateFailed},
}

// CanTransition reports whether from -> to is a legal pipeline step.
func CanTransition(from, to core.PipelineState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(agentID, validationID string, from, to core.PipelineState) error {
	if !CanTransition(from, to) {
		return core.NewError(core.ErrInvalidTransition, agentID, validationID, fmt.Errorf("%s -> %s", from, to))
	}
	return nil
}
