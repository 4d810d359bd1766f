package processor

import (
	"fmt"
)

// Phase is the orchestrator's position in a pipeline run.
type Phase string

const (
	// PhaseInit is the phase before any stage has started.
	PhaseInit Phase = "INIT"
	// PhaseElaborating covers the first spine stage.
	PhaseElaborating Phase = "ELABORATING"
	// PhaseValidating covers the second spine stage.
	PhaseValidating Phase = "VALIDATING"
	// PhaseFinalizing covers the last spine stage.
	PhaseFinalizing Phase = "FINALIZING"
	// PhaseFanout covers the concurrent artifact generation stages.
	PhaseFanout Phase = "FANOUT"
	// PhaseAggregated is the terminal success phase.
	PhaseAggregated Phase = "AGGREGATED"
	// PhaseAborted is the terminal failure phase.
	PhaseAborted Phase = "ABORTED"
)

// TransitionTable maps each phase to the phases it may move to.
type TransitionTable map[Phase][]Phase

// validTransitions is the spine order plus the abort edges. Every spine
// phase may abort; only the fan-out phase may aggregate.
var validTransitions = TransitionTable{
	PhaseInit:        {PhaseElaborating, PhaseAborted},
	PhaseElaborating: {PhaseValidating, PhaseAborted},
	PhaseValidating:  {PhaseFinalizing, PhaseAborted},
	PhaseFinalizing:  {PhaseFanout, PhaseAborted},
	PhaseFanout:      {PhaseAggregated},
	PhaseAggregated:  {},
	PhaseAborted:     {},
}

// ValidateTransition reports whether moving from one phase to another is legal.
func ValidateTransition(from, to Phase) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %s", from)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}

// Terminal reports whether the phase has no outgoing transitions.
func (p Phase) Terminal() bool {
	return len(validTransitions[p]) == 0
}
