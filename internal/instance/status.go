package instance

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSyncing  Status = "syncing"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusStarting,
	StatusRunning,
	StatusSyncing,
	StatusPaused,
	StatusStopping,
	StatusStopped,
	StatusFailed,
}

// transitions is the lifecycle table. Self-transitions are allowed
// separately and never listed.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
	StatusRunning:  {StatusSyncing, StatusPaused, StatusStopping, StatusFailed},
	StatusSyncing:  {StatusRunning, StatusPaused, StatusStopping, StatusFailed},
	StatusPaused:   {StatusRunning, StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped, StatusFailed},
	StatusStopped:  {StatusStarting},
	StatusFailed:   {StatusStarting},
}

// Valid reports whether s is one of Statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown instance status %q", s)
	}
	return st, nil
}

// CanTransition reports whether an instance may move from one status to
// another. Moving to the current status is always allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not in the
// lifecycle table. The instance keeps its previous status.
type TransitionError struct {
	InstanceID string
	From       Status
	To         Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: invalid status transition %s -> %s", e.InstanceID, e.From, e.To)
}

// IsTransitionError returns true if the error is a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
