package pipeline

import (
	"errors"
	"fmt"
)

// ComputeError reports a stage computation that failed; the batch and the
// run are aborted and nothing is retried.
type ComputeError struct {
	Stage     string
	Iteration int
	Batch     int
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("stage %s failed on iteration %d batch %d: %v", e.Stage, e.Iteration, e.Batch, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// IsComputeError reports whether err is a *ComputeError.
func IsComputeError(err error) bool {
	var ce *ComputeError
	return errors.As(err, &ce)
}
