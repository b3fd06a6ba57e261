package uthread

import (
	"time"

	"github.com/joeycumines/go-uthread/internal/fiber"
)

// tick is the timer callback. It may be called from any goroutine, and only
// records that a tick is pending, which is delivered by the running thread
// when it next leaves a critical section.
func (s *Scheduler) tick() {
	s.pending.Store(true)
}

// enter validates the caller, then masks tick delivery. On success, the
// caller must finish with leave.
func (s *Scheduler) enter(op string, tid ThreadID) error {
	if !s.state.CanAcceptCalls() {
		return s.fail(op, tid, ErrTerminated)
	}
	if s.ownershipCheck && getGoroutineID() != s.runningGID.Load() {
		return s.fail(op, tid, ErrForeignGoroutine)
	}
	s.masked++
	return nil
}

// leave unmasks and returns err. If the library was torn down while the
// caller was parked, in which case it no longer owns any state, the result is
// ErrTerminated instead, unless err is already set.
func (s *Scheduler) leave(op string, tid ThreadID, err error) error {
	if s.state.CanAcceptCalls() && s.unmask() {
		return err
	}
	if err != nil {
		return err
	}
	return opError(op, tid, ErrTerminated)
}

// unmask decrements the mask depth. Leaving the outermost critical section
// publishes stats, then delivers any pending tick. It returns false if the
// library was torn down while the caller was parked.
func (s *Scheduler) unmask() bool {
	s.masked--
	for s.masked == 0 {
		s.publish()
		if !s.pending.Load() {
			return true
		}
		s.masked++
		if !s.schedule(ReasonPreempt) {
			return false
		}
		s.masked--
	}
	return true
}

// schedule performs a scheduling event on behalf of the running thread, then
// parks it until it is next selected (unless it continues). It returns false
// if the library was torn down while the caller was parked. Must be called
// while masked, and never for ReasonTerminate.
func (s *Scheduler) schedule(reason SwitchReason) bool {
	prev := s.table.slots[s.current]
	next := s.advance(prev, reason)
	if next == prev {
		return true
	}
	return prev.ctx.Switch(next.ctx) && s.state.CanAcceptCalls()
}

// advance applies a scheduling event to the bookkeeping, and returns the
// thread that is now Running. The context switch itself is left to the
// caller. For ReasonTerminate, prev must already have been released.
func (s *Scheduler) advance(prev *thread, reason SwitchReason) *thread {
	s.total++
	s.ageSleepers()

	switch reason {
	case ReasonPreempt, ReasonYield:
		prev.state = StateReady
		s.ready.push(prev.id)
	case ReasonBlock:
		prev.state = StateBlocked
	case ReasonSleep:
		// after aging, so the current event doesn't count
		prev.state = StateBlocked
		s.sleeping.push(prev.id)
	}

	id := s.ready.pop()
	if id == nilID {
		panic(`uthread: no ready thread to switch to`)
	}
	next := s.table.slots[id]
	next.state = StateRunning
	next.quantums++
	s.current = id
	s.runningGID.Store(next.gid)

	s.pending.Store(false)
	if err := s.timer.Reset(); err != nil {
		s.logTimerError(`reset`, err)
	}

	now := time.Now()
	held := now.Sub(prev.since)
	next.since = now
	if s.slices != nil {
		s.slices.record(reason, held)
	}
	if s.observer != nil {
		s.observer.ObserveSwitch(prev.id, next.id, reason, held)
	}
	s.logSwitch(prev, next, reason, held)

	s.dirty = true
	return next
}

// ageSleepers decrements every positive countdown, waking those that reach
// zero. Wakers join the ready queue in the order they went to sleep, unless
// they are also in the blocked set.
func (s *Scheduler) ageSleepers() {
	s.sleeping.each(func(id ThreadID) {
		t := s.table.slots[id]
		if t.sleep > 0 {
			t.sleep--
		}
		if t.sleep != 0 {
			return
		}
		s.sleeping.remove(id)
		if !s.blocked.contains(id) {
			t.state = StateReady
			s.ready.push(id)
		}
	})
}

// release removes t from every set, and frees its slot.
func (s *Scheduler) release(t *thread) {
	s.ready.remove(t.id)
	s.sleeping.remove(t.id)
	s.blocked.remove(t.id)
	s.table.free(t.id)
	s.dirty = true
}

// newThread builds the fiber for a spawned thread.
func (s *Scheduler) newThread(t *thread) *fiber.Fiber {
	return fiber.New(func() { s.run(t) })
}

// run is the body of every spawned thread's goroutine. It starts while the
// thread that switched to it is still masked.
func (s *Scheduler) run(t *thread) {
	if s.ownershipCheck {
		t.gid = getGoroutineID()
		s.runningGID.Store(t.gid)
	}
	defer s.exitCurrent(t)
	defer func() {
		if r := recover(); r != nil {
			s.logPanic(t.id, r)
		}
	}()
	s.unmask()
	t.entry()
}

// exitCurrent terminates t, which returned from (or panicked in, or called
// runtime.Goexit from) its entry point. It is a no-op if t was discarded,
// including by its own call to Terminate.
func (s *Scheduler) exitCurrent(t *thread) {
	if t.ctx.Discarded() || !s.state.CanAcceptCalls() {
		return
	}
	// a panic may have escaped a critical section
	s.masked = 1
	s.logger.Debug().
		Int(`tid`, int(t.id)).
		Log(`thread exited`)
	s.release(t)
	t.ctx.Discard()
	next := s.advance(t, ReasonTerminate)
	t.ctx.Leave(next.ctx)
}
