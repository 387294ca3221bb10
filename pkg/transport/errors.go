package transport

import (
	"fmt"
	"time"
)

// SpawnError means the measurement process could not be started at all.
// It is fatal and never retried.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means no recognizer matched any output line within the wait
// budget. The process is still alive.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no pattern matched within %s", e.After)
}

// TransportFault means the channel to the measurement process broke:
// unexpected exit, closed pty, or a failed write.
type TransportFault struct {
	Reason string
	Err    error
}

func (e *TransportFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport fault: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport fault: %s", e.Reason)
}

func (e *TransportFault) Unwrap() error { return e.Err }
