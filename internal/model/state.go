// Package model holds the guest agent's lifecycle states and identifiers.
package model

// Agent lifecycle states.
const (
	StateBooting        = "booting"
	StateMounting       = "mounting"
	StateLoading        = "loading"
	StateSignalingReady = "signaling_ready"
	StateServing        = "serving"
	StateDecoding       = "decoding"
	StateDispatching    = "dispatching"
	StateEncoding       = "encoding"
	StateClosed         = "closed"
	StateFailed         = "failed"
)

// validTransitions maps each state to the set of states it may move to.
// A payload error skips dispatch: decoding goes straight to encoding the
// error envelope.
var validTransitions = map[string]map[string]bool{
	StateBooting: {
		StateMounting: true,
		StateFailed:   true,
	},
	StateMounting: {
		StateLoading: true,
		StateFailed:  true,
	},
	StateLoading: {
		StateSignalingReady: true,
		StateFailed:         true,
	},
	StateSignalingReady: {
		StateServing: true,
		StateFailed:  true,
	},
	StateServing: {
		StateDecoding: true,
		StateClosed:   true,
	},
	StateDecoding: {
		StateDispatching: true,
		StateEncoding:    true,
		StateClosed:      true,
		StateFailed:      true,
	},
	StateDispatching: {
		StateEncoding: true,
	},
	StateEncoding: {
		StateServing: true,
		StateClosed:  true,
		StateFailed:  true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no transition leaves state.
func Terminal(state string) bool {
	_, ok := validTransitions[state]
	return !ok
}
