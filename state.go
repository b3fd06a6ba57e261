package uthread

import (
	"sync/atomic"
)

// LibraryState is the lifecycle state of a Scheduler.
//
// State Machine:
//
//	StateActive     → StateTerminating  [Terminate(MainThreadID)]
//	StateTerminating → StateTerminated  [teardown complete]
//	StateTerminated → (terminal)
type LibraryState uint32

const (
	// StateActive indicates the scheduler is accepting calls.
	StateActive LibraryState = iota
	// StateTerminating indicates teardown is in progress.
	StateTerminating
	// StateTerminated indicates every thread has been discarded.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LibraryState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// lifecycle is readable from any goroutine, but only the thread holding the
// baton transitions it.
type lifecycle struct {
	v atomic.Uint32
}

func (s *lifecycle) Load() LibraryState {
	return LibraryState(s.v.Load())
}

func (s *lifecycle) Store(state LibraryState) {
	s.v.Store(uint32(state))
}

// TryTransition performs a CAS, returning true on success.
func (s *lifecycle) TryTransition(from, to LibraryState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// CanAcceptCalls is true until teardown begins.
func (s *lifecycle) CanAcceptCalls() bool {
	return s.Load() == StateActive
}
