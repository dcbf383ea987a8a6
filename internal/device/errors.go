package device

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// OutOfMemoryError is returned when an allocation would exceed the device
// capacity. It carries the attempted allocation.
type OutOfMemoryError struct {
	Owner     string
	Requested uint64
	Allocated uint64
	Capacity  uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("device out of memory: %s requested %s with %s of %s in use",
		e.Owner, humanize.IBytes(e.Requested), humanize.IBytes(e.Allocated), humanize.IBytes(e.Capacity))
}

// IsOutOfMemory reports whether err is an *OutOfMemoryError.
func IsOutOfMemory(err error) bool {
	var oom *OutOfMemoryError
	return errors.As(err, &oom)
}

// dependencyUnavailableError signals a device backend that cannot be used in
// this build or on this host.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing device backend.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}
