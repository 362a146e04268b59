package reconcile

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by a Locker when the guard is held.
var ErrAlreadyRunning = errors.New("reconcile: a run is already in progress")

// InsertConflict reports one occurrence the store rejected. The run counts
// it and continues.
type InsertConflict struct {
	ExternalID string
	Err        error
}

func (e *InsertConflict) Error() string {
	return fmt.Sprintf("insert %s: %v", e.ExternalID, e.Err)
}

func (e *InsertConflict) Unwrap() error { return e.Err }
