package scaffold

import (
	"errors"
	"fmt"
)

// Halt reason sentinels. Every abnormal run outcome wraps exactly one of
// these, so callers dispatch with errors.Is instead of matching text.
var (
	ErrValidation      = errors.New("plan validation failed")
	ErrGateRejected    = errors.New("plan rejected by safety gate")
	ErrIntegrity       = errors.New("step integrity violation")
	ErrRootMismatch    = errors.New("root re-verification failed")
	ErrSuspectedEscape = errors.New("suspected control-flow escape")
	ErrCapability      = errors.New("capability failure")
)

// HaltError is the terminal error of a halted or rejected run. Step is the
// step index in scope, or -1 when the halt is not step-scoped.
type HaltError struct {
	Reason error
	Step   int
	Detail string
}

func (e *HaltError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("%v at step %d: %s", e.Reason, e.Step, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Reason, e.Detail)
}

func (e *HaltError) Unwrap() error {
	return e.Reason
}
