package message

import (
	"fmt"
	"slices"
)

// Status represents the delivery lifecycle state of a message.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// validTransitions defines allowed status transitions. SENT is terminal;
// FAILED can re-enter PENDING via a user-initiated retry.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed},
	StatusFailed:  {StatusPending},
	StatusSent:    {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether s ends a delivery attempt.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// CanTransition reports whether moving from s to the given status is legal.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(validTransitions[s], to)
}

// CheckTransition returns an error if moving from s to the given status is illegal.
func (s Status) CheckTransition(to Status) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("invalid status transition from %s to %s", s, to)
	}
	return nil
}
