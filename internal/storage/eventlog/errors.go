package eventlog

// ============================================================================
// Event Log Error Definitions
// Purpose: Define all event-log related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrAppendFailed indicates rows could not be appended; callers spool them.
	ErrAppendFailed = errors.New("eventlog: append failed")

	// ErrStorageUnavailable indicates the log directory or file cannot be
	// prepared at all.
	ErrStorageUnavailable = errors.New("eventlog: storage unavailable")
)

// AppendError carries the cycle number whose append failed.
type AppendError struct {
	Path  string
	Cycle int
	Cause error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("eventlog: append of cycle #%d to %s failed: %v", e.Cycle, e.Path, e.Cause)
}

func (e *AppendError) Unwrap() []error {
	return []error{ErrAppendFailed, e.Cause}
}
