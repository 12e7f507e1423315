package session

import "fmt"

// State is a ClientSession's position in the per-session state machine of
// spec §4.4. There is no explicit "destroyed" state: destruction removes
// the session from the live set entirely rather than transitioning it.
type State int

const (
	// StateFresh is the initial state, and also where a session returns
	// to after Close or an externally-reported stream teardown.
	StateFresh State = iota
	StateOpened
	StateConfigured
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateOpened:
		return "Opened"
	case StateConfigured:
		return "Configured"
	case StateStreaming:
		return "Streaming"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// validTransitions enumerates the state table of spec §4.4: GetCapabilities
// is a read-only no-op omitted here (it never changes state), Close and the
// backend-IDLE transition both return to StateFresh from any non-fresh
// state.
var validTransitions = map[State][]State{
	StateFresh:      {StateOpened},
	StateOpened:     {StateConfigured, StateFresh},
	StateConfigured: {StateStreaming, StateFresh},
	StateStreaming:  {StateConfigured, StateFresh},
}

// CanTransitionTo reports whether moving from s to next is a legal edge in
// the state table.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
