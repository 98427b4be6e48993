package identity

import "fmt"

// State is a rule or bundle version's lifecycle position. The set and its
// legal transitions are closed: Lifecycle Manager and Deployment Manager
// operations are the only things allowed to move a State forward.
type State string

const (
	StateStaged     State = "staged"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateDeprecated State = "deprecated"
	StateRevoked    State = "revoked"
)

// legalTransitions enumerates every State -> State move spec.md §4.9/§4.10
// allows. Revoked is terminal: nothing transitions out of it.
var legalTransitions = map[State]map[State]bool{
	StateStaged:     {StateActive: true, StateRevoked: true},
	StateActive:     {StatePaused: true, StateDeprecated: true, StateRevoked: true},
	StatePaused:     {StateActive: true, StateRevoked: true},
	StateDeprecated: {StateRevoked: true},
	StateRevoked:    {},
}

// CanTransition reports whether moving from s to next is a legal move.
func (s State) CanTransition(next State) bool {
	allowed, ok := legalTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// Transition returns next if the move from s is legal, or an error naming
// the illegal move otherwise.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal state transition %s -> %s", s, next)
	}
	return next, nil
}

// Terminal reports whether s has no legal outgoing transitions.
func (s State) Terminal() bool {
	return len(legalTransitions[s]) == 0
}
