package state

import "fmt"

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusExcluded:  {},
		// interrupted work returns to the queue
		StatusPending: {},
	},
	StatusFailed: {
		StatusRunning:        {},
		StatusFailedTerminal: {},
		StatusExcluded:       {},
		StatusPending:        {},
	},
	StatusCompleted: {
		StatusPending: {},
	},
	StatusFailedTerminal: {
		StatusPending: {},
	},
	StatusExcluded: {
		StatusPending: {},
	},
}

// CanTransition reports whether from -> to is a legal state change. Moving
// back to pending is only legal as an invalidation or recovery step.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrIllegalTransition is returned when a requested change violates the state machine.
type ErrIllegalTransition struct {
	Subject string
	From    Status
	To      Status
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Subject, e.From, e.To)
}
