package weights

import (
	"errors"
	"fmt"
)

// StageLoadError reports a declared stage role with no parameters.
type StageLoadError struct {
	Role string
}

func (e *StageLoadError) Error() string {
	return fmt.Sprintf("no weights for stage role %q", e.Role)
}

// IsStageLoadError reports whether err is a *StageLoadError.
func IsStageLoadError(err error) bool {
	var sle *StageLoadError
	return errors.As(err, &sle)
}
