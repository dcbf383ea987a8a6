package residency

import (
	"errors"
	"fmt"
	"time"

	"staged/internal/device"
)

// ErrResidencyConflict is returned when acquiring a stage would exceed the
// number of stages allowed on the device at once.
var ErrResidencyConflict = errors.New("residency conflict: too many stages resident")

// ReleaseTimeoutError reports a stage whose memory was not observed to be
// reclaimed within the configured wait. The memory budget can no longer be
// trusted once this happens.
type ReleaseTimeoutError struct {
	Stage   string
	Elapsed time.Duration
	Target  device.Snapshot
	Current device.Snapshot
}

func (e *ReleaseTimeoutError) Error() string {
	return fmt.Sprintf("stage %s: device memory not reclaimed after %s (want <= %s, have %s)",
		e.Stage, e.Elapsed.Round(time.Millisecond), e.Target, e.Current)
}

// IsReleaseTimeout reports whether err is a *ReleaseTimeoutError.
func IsReleaseTimeout(err error) bool {
	var rte *ReleaseTimeoutError
	return errors.As(err, &rte)
}

// BudgetExceededError is returned when placing a stage would push device
// memory past the configured peak budget.
type BudgetExceededError struct {
	Stage  string
	Need   uint64
	Budget uint64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("stage %s: placing needs %s, over the peak budget of %s",
		e.Stage, device.Snapshot(e.Need), device.Snapshot(e.Budget))
}

// IsBudgetExceeded reports whether err is a *BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
