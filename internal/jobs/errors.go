package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrCapacityExceeded = errors.New("job capacity exceeded")
	ErrOutOfMemory      = errors.New("job scratch allocation exceeds budget")
	ErrNotFinished      = errors.New("job has not finished")
	ErrStopped          = errors.New("job manager not running")
	ErrInvalidJob       = errors.New("invalid job")
)

// PanicError is stored as a job's result when its work function panics.
// The job still completes normally from the lifecycle's point of view.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// ResultError extracts a failure description from a job result, if any.
//
// Results that are errors, or that implement Failed() string, are treated as
// failures. Anything else (including nil) is a success.
func ResultError(result any) string {
	switch r := result.(type) {
	case nil:
		return ""
	case error:
		return r.Error()
	case interface{ Failed() string }:
		return r.Failed()
	default:
		return ""
	}
}
