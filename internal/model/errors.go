package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Call sites wrap these with
// fmt.Errorf("...: %w", err); callers classify with errors.Is.
var (
	ErrMalformedQuery     = errors.New("malformed query")
	ErrTargetUnavailable  = errors.New("target unavailable")
	ErrPoolSaturated      = errors.New("pool saturated")
	ErrStaleState         = errors.New("stale state")
	ErrTimedOut           = errors.New("timed out")
	ErrExecutionFailed    = errors.New("execution failed")
	ErrSyncPartialFailure = errors.New("sync partial failure")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")

	// ErrTargetNoLongerAvailable is recorded when an approved request's
	// database was soft-removed before the request could start.
	ErrTargetNoLongerAvailable = fmt.Errorf("target no longer available: %w", ErrTargetUnavailable)

	// ErrCancelled is recorded when an operator cancels a running request.
	ErrCancelled = fmt.Errorf("cancelled by operator: %w", ErrExecutionFailed)
)

// Error codes persisted on failed requests.
const (
	CodeMalformedQuery          = "MalformedQuery"
	CodeTargetUnavailable       = "TargetUnavailable"
	CodeTargetNoLongerAvailable = "TargetNoLongerAvailable"
	CodeTimedOut                = "TimedOut"
	CodeExecutionFailed         = "ExecutionFailed"
	CodeCancelled               = "Cancelled"
)

// ErrorCode maps err onto its persisted taxonomy code. Unknown errors are
// reported as execution failures.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTargetNoLongerAvailable):
		return CodeTargetNoLongerAvailable
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrMalformedQuery):
		return CodeMalformedQuery
	case errors.Is(err, ErrTargetUnavailable):
		return CodeTargetUnavailable
	case errors.Is(err, ErrTimedOut):
		return CodeTimedOut
	default:
		return CodeExecutionFailed
	}
}

// ErrorForCode returns the sentinel a persisted or transported code stands
// for. Unknown codes map to ErrExecutionFailed.
func ErrorForCode(code string) error {
	switch code {
	case CodeMalformedQuery:
		return ErrMalformedQuery
	case CodeTargetUnavailable:
		return ErrTargetUnavailable
	case CodeTargetNoLongerAvailable:
		return ErrTargetNoLongerAvailable
	case CodeTimedOut:
		return ErrTimedOut
	case CodeCancelled:
		return ErrCancelled
	default:
		return ErrExecutionFailed
	}
}
