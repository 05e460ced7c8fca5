package synthesis

import "fmt"

// State is the lifecycle state of a claim inside the pipeline. Transitions
// are forward-only; a claim never re-enters an earlier state.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateValidated   State = "VALIDATED"
	StateRulesDone   State = "RULES_EVALUATED"
	StateScored      State = "SCORED"
	StateSynthesized State = "SYNTHESIZED"
	StateAudited     State = "AUDITED"
	StatePublished   State = "PUBLISHED"

	// Terminal failure states.
	StateRejected State = "REJECTED" // failed admission checks
	StateDropped  State = "DROPPED"  // duplicate or replayed envelope
	StateParked   State = "PARKED"   // held for replay after an outage
)

// transitions lists the allowed next states.
var transitions = map[State][]State{
	StateReceived:    {StateValidated, StateRejected, StateDropped},
	StateValidated:   {StateRulesDone, StateParked},
	StateRulesDone:   {StateScored, StateParked},
	StateScored:      {StateSynthesized, StateParked},
	StateSynthesized: {StateAudited, StateParked},
	StateAudited:     {StatePublished},
	StatePublished:   {},
	StateRejected:    {},
	StateDropped:     {},
	StateParked:      {},
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an allowed step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new state.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("synthesis: illegal state transition %s -> %s", from, to)
	}
	return to, nil
}
