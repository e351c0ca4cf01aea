package engine

import (
	"errors"
	"fmt"

	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
)

// ErrStopped is returned by Node calls made after Stop, or after Run has
// returned.
var ErrStopped = errors.New("node stopped")

// IsStopped reports whether err is ErrStopped.
// Uses errors.Is to handle wrapped errors.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

// InvalidKindError is returned by Record for a kind outside crdt.EventKinds.
type InvalidKindError struct {
	Kind crdt.EventKind
}

// Error implements the error interface.
func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("record event: unknown kind %q", e.Kind)
}

// InvalidValueError is returned for a payload or value the replica could
// hold but no sink or wire codec could encode.
type InvalidValueError struct {
	Op     string
	Key    string
	Reason string
}

// Error implements the error interface.
func (e *InvalidValueError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Key, e.Reason)
}
