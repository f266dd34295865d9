// Package quarantine stages untrusted uploads under a restrictive state
// machine until they are proven safe and promoted, or reclaimed.
package quarantine

import (
	"fmt"
)

// State of a quarantined artifact.
type State string

const (
	StatePending  State = "pending"
	StateScanning State = "scanning"
	StateClean    State = "clean"
	StatePromoted State = "promoted"
	StateInfected State = "infected"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
)

// validTransitions is the allowed-transition matrix. Transitions are
// monotonic: promoted, infected and expired are sealed, failed can only be
// reclaimed by expiry. Anything not listed here is rejected.
var validTransitions = map[State]map[State]bool{
	StatePending:  {StateScanning: true, StateClean: true, StateInfected: true, StateFailed: true, StateExpired: true},
	StateScanning: {StateClean: true, StateInfected: true, StateFailed: true, StateExpired: true},
	StateClean:    {StatePromoted: true, StateFailed: true, StateExpired: true},
	StateFailed:   {StateExpired: true},
	StatePromoted: {},
	StateInfected: {},
	StateExpired:  {},
}

// Terminal reports whether no further transition is permitted out of s.
// failed counts as terminal for callers; only the TTL purge may expire it.
func (s State) Terminal() bool {
	switch s {
	case StatePromoted, StateInfected, StateExpired, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is permitted by the matrix.
func CanTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ParseState converts a stored string into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StatePending, StateScanning, StateClean, StatePromoted, StateInfected, StateFailed, StateExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown quarantine state %q", s)
	}
}
