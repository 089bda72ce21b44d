// Package taskstate is the authoritative table of legal task status
// transitions.
//
//	PENDING   -> PENDING | THROTTLED | SENT | FAILED
//	THROTTLED -> PENDING | THROTTLED
//	FAILED    -> PENDING            (only while retry budget remains)
//	SENT      -> (terminal)
//
// PENDING -> PENDING and THROTTLED -> THROTTLED cover redelivery after a
// worker stopped between its status write and the queue update.
package taskstate

import (
	"fmt"

	"PulseDispatch/internal/models"
)

type IllegalTransitionError struct {
	From, To models.EmailStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

var transitions = map[models.EmailStatus][]models.EmailStatus{
	models.StatusPending:   {models.StatusPending, models.StatusThrottled, models.StatusSent, models.StatusFailed},
	models.StatusThrottled: {models.StatusPending, models.StatusThrottled},
	models.StatusFailed:    {models.StatusPending},
}

func CanTransition(from, to models.EmailStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to against the current state. A terminal
// FAILED task cannot leave FAILED.
func Transition(cur models.TaskState, to models.EmailStatus) error {
	if IsTerminal(cur) || !CanTransition(cur.Status, to) {
		return &IllegalTransitionError{From: cur.Status, To: to}
	}
	return nil
}

// IsTerminal reports whether no further processing may happen: SENT, or
// FAILED after the retry budget was spent.
func IsTerminal(s models.TaskState) bool {
	switch s.Status {
	case models.StatusSent:
		return true
	case models.StatusFailed:
		return s.Terminal
	}
	return false
}

// NeedsReentry reports whether a dequeued task must be moved back to PENDING
// before it is attempted again.
func NeedsReentry(s models.TaskState) bool {
	return !IsTerminal(s) && (s.Status == models.StatusThrottled || s.Status == models.StatusFailed)
}

// Exhausted reports whether failures reach the configured maximum, making the
// FAILED write that records it terminal.
func Exhausted(failures, max int) bool {
	return failures >= max
}
