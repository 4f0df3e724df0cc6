package fsm

import "errors"

// Status constants used by the fulfillment state machine.
const (
	// StatusAwaitingPayment is used twice: for the placeholder row created
	// before the parent purchase is paid, and for an accepted service
	// fulfillment waiting on its deposit.
	StatusAwaitingPayment   = "awaiting_payment"
	StatusPendingAcceptance = "pending_acceptance"
	StatusAccepted          = "accepted"
	StatusRejected          = "rejected"
)

// ErrInvalidTransition is returned for a transition outside the table.
var ErrInvalidTransition = errors.New("invalid fulfillment status transition")

var transitions = map[string]map[string]struct{}{
	StatusAwaitingPayment: {
		StatusPendingAcceptance: {},
		StatusAccepted:          {},
	},
	StatusPendingAcceptance: {
		StatusAccepted:        {},
		StatusAwaitingPayment: {},
		StatusRejected:        {},
	},
	StatusAccepted: {},
	StatusRejected: {},
}

// CanTransition returns whether a fulfillment can move from the current
// status to the target status.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Action is a partner decision on a fulfillment.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// ParseAction validates a wire action value.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionAccept, ActionReject:
		return Action(s), true
	}
	return "", false
}

// Repeats reports whether applying action to a fulfillment already in status
// is a retry of a decision that was already taken.
func Repeats(action Action, status string) bool {
	switch action {
	case ActionAccept:
		return status == StatusAccepted || status == StatusAwaitingPayment
	case ActionReject:
		return status == StatusRejected
	}
	return false
}

// IsTerminal reports whether no partner action can change the status.
func IsTerminal(status string) bool {
	return status == StatusAccepted || status == StatusRejected
}
