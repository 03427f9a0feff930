package model

// Status is the lifecycle status of an operation record.
type Status string

// Operation status constants.
const (
	StatusAccepted  Status = "ACCEPTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusAccepted, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed}

// validTransitions maps each status to the set of statuses it may transition to.
// ACCEPTED→FAILED covers an execution that could not be started at all.
var validTransitions = map[Status]map[Status]bool{
	StatusAccepted: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ParseStatus returns the Status named by s, or false if s is not a known status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// CheckTransition classifies a request to move a record currently in status
// current to status to. It returns (true, nil) when the record is already in
// the requested non-terminal status, which callers treat as an idempotent
// no-op. A terminal current status yields *AlreadyTerminalError.
func CheckTransition(id string, current, to Status) (noop bool, err error) {
	switch {
	case current.IsTerminal():
		return false, &AlreadyTerminalError{ID: id, Current: current, Requested: to}
	case current == to:
		return true, nil
	case !ValidTransition(current, to):
		return false, &InvalidTransitionError{ID: id, From: current, To: to}
	}
	return false, nil
}
