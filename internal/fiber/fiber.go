// Package fiber implements suspendable execution contexts on top of
// goroutines.
//
// A Fiber is either running, or parked waiting to be restored. Control is
// passed between fibers explicitly, via [Fiber.Switch] and [Fiber.Exit], and at
// most one fiber in a given group holds the baton at any instant. The goroutine
// backing a fiber acts as its dedicated stack, and is started lazily, on the
// first restore.
//
// The mapping onto a classic context primitive is:
//
//	initializeForEntry  New(entry)
//	capture + restore   current.Switch(next)
//	restore (no return) current.Exit(next)
//	drop a context      other.Discard()
//
// Deferred calls of a fiber's goroutine, whether it exits or is discarded, run
// while no other fiber in the group runs: the baton moves on only after they
// have completed.
//
// Fibers are not safe for concurrent use, with the exception of the channels
// used internally for the hand-off. Callers must serialise all calls, which is
// naturally the case when only the fiber holding the baton makes them.
package fiber

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Fiber is an execution context.
type Fiber struct {
	// buffered (1), so a restore never waits on the target parking
	resume  chan struct{}
	discard chan struct{}
	// closed once the goroutine's deferred calls have run
	exited chan struct{}
	entry  func()
	// restored once the goroutine exits, see Exit
	next *Fiber
	once sync.Once
	// adopted fibers wrap an already-running goroutine, e.g. main
	adopted   bool
	started   bool
	parked    bool
	discarded atomic.Bool
}

// New initializes a fiber that will begin executing entry, on a new
// goroutine, the first time it is restored. Entry must not be nil.
func New(entry func()) *Fiber {
	if entry == nil {
		panic(`fiber: nil entry`)
	}
	return &Fiber{
		resume:  make(chan struct{}, 1),
		discard: make(chan struct{}),
		exited:  make(chan struct{}),
		entry:   entry,
	}
}

// Adopt wraps the calling goroutine, which is considered to be running.
func Adopt() *Fiber {
	return &Fiber{
		resume:  make(chan struct{}, 1),
		discard: make(chan struct{}),
		adopted: true,
		started: true,
	}
}

// Adopted reports whether the fiber wraps a pre-existing goroutine.
func (f *Fiber) Adopted() bool { return f.adopted }

// Started reports whether the fiber has ever been restored (or was adopted).
func (f *Fiber) Started() bool { return f.started }

// Discarded reports whether Discard has been called.
func (f *Fiber) Discarded() bool { return f.discarded.Load() }

// Switch parks f (which must be the calling, running fiber), and restores
// next. It returns true once f is restored again.
//
// If f is discarded while parked, adopted fibers return false, and all other
// fibers terminate their goroutine via [runtime.Goexit], running deferred
// calls before the discarding fiber continues.
//
// Switching to self is a no-op.
func (f *Fiber) Switch(next *Fiber) bool {
	if next == f {
		return true
	}
	f.parked = true
	next.restore()
	return f.park()
}

// Exit terminates the calling goroutine, which must be the one backing f,
// via [runtime.Goexit]. Next is restored once every deferred call has run.
// Exit never returns, and may not be used by adopted fibers.
func (f *Fiber) Exit(next *Fiber) {
	if f.adopted {
		panic(`fiber: exit from an adopted fiber`)
	}
	if next != f {
		f.next = next
	}
	runtime.Goexit()
}

// Leave restores next without parking f. The caller must not touch any state
// shared with other fibers after calling Leave, and its goroutine should
// return promptly. It is intended for use from deferred calls, where
// [Fiber.Exit] would nest a Goexit.
func (f *Fiber) Leave(next *Fiber) {
	if next != nil && next != f {
		next.restore()
	}
}

// Discard releases f. A parked fiber is woken, and unwinds as described by
// [Fiber.Switch], in which case Discard returns only once its goroutine has
// exited. A fiber that was never started simply never runs. Safe to call more
// than once, including by f itself, prior to Exit.
func (f *Fiber) Discard() {
	f.once.Do(func() {
		wait := f.parked && !f.adopted
		f.discarded.Store(true)
		close(f.discard)
		if wait {
			<-f.exited
		}
	})
}

func (f *Fiber) run() {
	defer func() {
		close(f.exited)
		if f.next != nil {
			f.next.restore()
		}
	}()
	f.entry()
}

func (f *Fiber) restore() {
	if !f.started {
		f.started = true
		go f.run()
		return
	}
	select {
	case f.resume <- struct{}{}:
	default:
		// already has a pending resume, which is a caller bug, but dropping
		// it is equivalent since the target can only consume one
	}
}

func (f *Fiber) park() bool {
	select {
	case <-f.resume:
		f.parked = false
		return true
	case <-f.discard:
	}
	if f.adopted {
		f.parked = false
		return false
	}
	runtime.Goexit()
	panic(`unreachable`)
}
