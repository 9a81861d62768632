package exec

type State string

const (
	StatePending         State = "PENDING"
	StateSubmitted       State = "SUBMITTED"
	StateFilled          State = "FILLED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateRejected        State = "REJECTED"
	StateFailed          State = "FAILED"
)

// transitions is the only legal movement through an instruction's
// lifecycle. Pending orders that never reach the exchange can go
// straight to Rejected or Failed.
var transitions = map[State]map[State]bool{
	StatePending: {
		StateSubmitted: true,
		StateRejected:  true,
		StateFailed:    true,
	},
	StateSubmitted: {
		StateFilled:          true,
		StatePartiallyFilled: true,
		StateRejected:        true,
		StateFailed:          true,
	},
}

func transition(from, to State) State {
	if transitions[from][to] {
		return to
	}
	return from
}

func (s State) Terminal() bool {
	switch s {
	case StateFilled, StatePartiallyFilled, StateRejected, StateFailed:
		return true
	}
	return false
}
