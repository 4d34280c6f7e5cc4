package availability

import "fmt"

// transitions lists the legal status changes. completed and cancelled are
// terminal.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an appointment in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// transition moves a to the target status. On failure a is left untouched.
func (a *Appointment) transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: cannot move appointment %s from %s to %s", ErrInvalidTransition, a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}

func errInvalidTransition(a *Appointment, action string) error {
	return fmt.Errorf("%w: appointment %s in status %s cannot be %s", ErrInvalidTransition, a.ID, a.Status, action)
}
