package uthread

import (
	"errors"
	"strconv"
)

// Standard errors.
var (
	// ErrInvalidQuantum is returned by New if the quantum is not strictly
	// positive.
	ErrInvalidQuantum = errors.New("uthread: quantum must be positive")

	// ErrInvalidOption is returned by New if an option was given an invalid
	// value.
	ErrInvalidOption = errors.New("uthread: invalid option")

	// ErrInvalidEntryPoint is returned by Spawn for a nil entry point.
	ErrInvalidEntryPoint = errors.New("uthread: entry point is nil")

	// ErrCapacityExceeded is returned by Spawn if every slot is occupied.
	ErrCapacityExceeded = errors.New("uthread: maximum number of threads reached")

	// ErrThreadNotFound is returned for ids that are out of range, or refer to
	// a free slot.
	ErrThreadNotFound = errors.New("uthread: thread does not exist")

	// ErrMainThreadForbidden is returned when blocking the main thread, or
	// when the main thread attempts to sleep.
	ErrMainThreadForbidden = errors.New("uthread: operation not permitted on the main thread")

	// ErrNegativeSleep is returned by Sleep for a negative number of quantums.
	ErrNegativeSleep = errors.New("uthread: sleep quantums must not be negative")

	// ErrTerminated is returned by all operations after the main thread has
	// been terminated.
	ErrTerminated = errors.New("uthread: library has been terminated")

	// ErrTimerInstall wraps failures to start the preemption timer.
	ErrTimerInstall = errors.New("uthread: failed to install preemption timer")

	// ErrForeignGoroutine is returned, if ownership checks are enabled, for
	// calls made from a goroutine other than the running thread's.
	ErrForeignGoroutine = errors.New("uthread: called from outside the running thread")
)

// OpError describes a failed operation, and the thread it targeted, if any.
// It is the concrete type of all errors returned by a Scheduler.
type OpError struct {
	// Err is the underlying cause, typically one of the Err* sentinels.
	Err error
	// Op is the operation, e.g. "spawn", "block".
	Op string
	// TID is the target thread, or -1 if not applicable.
	TID ThreadID
}

// Error implements the error interface.
func (e *OpError) Error() string {
	s := e.Op
	if e.TID >= 0 {
		s += " " + strconv.Itoa(int(e.TID))
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, tid ThreadID, err error) *OpError {
	return &OpError{Op: op, TID: tid, Err: err}
}
