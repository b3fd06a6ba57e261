package uthread

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-uthread/internal/fiber"
	"github.com/joeycumines/logiface"
)

const (
	opInit           = `init`
	opSpawn          = `spawn`
	opTerminate      = `terminate`
	opBlock          = `block`
	opResume         = `resume`
	opSleep          = `sleep`
	opYield          = `yield`
	opQuantums       = `quantums`
	opState          = `state`
	opSleepRemaining = `sleep_remaining`
)

// Scheduler multiplexes threads onto a single flow of control, round-robin,
// preempting the running thread every quantum.
//
// All methods, except Stats, Metrics, Done, State, Quantum and MaxThreads,
// must be called by the running thread (which is necessarily the case for
// code executing within a thread). See WithOwnershipCheck.
type Scheduler struct {
	stats      atomic.Pointer[Stats]
	runningGID atomic.Uint64
	pending    atomic.Bool
	state      lifecycle

	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	observer Observer
	timer    Timer
	exit     func(code int)
	slices   *sliceRecorder
	done     chan struct{}

	table    threadTable
	ready    idList
	sleeping idList
	blocked  idSet

	quantum time.Duration
	total   int
	masked  int
	current ThreadID

	dirty          bool
	ownershipCheck bool
}

// New initializes a Scheduler, adopting the calling goroutine as the main
// thread (MainThreadID), which is Running, and has been charged its first
// quantum. The preemption timer is started with an interval of quantumMicros
// microseconds.
func New(quantumMicros int, opts ...Option) (*Scheduler, error) {
	if quantumMicros <= 0 {
		return nil, opError(opInit, -1, ErrInvalidQuantum)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, opError(opInit, -1, err)
	}

	s := &Scheduler{
		logger:         cfg.logger,
		observer:       cfg.observer,
		timer:          cfg.timer,
		exit:           cfg.exit,
		done:           make(chan struct{}),
		table:          newThreadTable(cfg.maxThreads),
		ready:          newIDList(cfg.maxThreads),
		sleeping:       newIDList(cfg.maxThreads),
		blocked:        newIDSet(cfg.maxThreads),
		quantum:        time.Duration(quantumMicros) * time.Microsecond,
		ownershipCheck: cfg.ownershipCheck,
	}
	if len(cfg.errorLogRates) != 0 {
		s.limiter = catrate.NewLimiter(cfg.errorLogRates)
	}
	if cfg.metricsEnabled {
		s.slices = newSliceRecorder()
	}

	main := s.table.claim(MainThreadID)
	main.ctx = fiber.Adopt()
	main.state = StateRunning
	main.quantums = 1
	main.since = time.Now()
	if s.ownershipCheck {
		main.gid = getGoroutineID()
		s.runningGID.Store(main.gid)
	}
	s.total = 1
	s.current = MainThreadID

	if err := s.timer.Start(s.quantum, s.tick); err != nil {
		s.logTimerError(`start`, err)
		return nil, opError(opInit, -1, fmt.Errorf("%w: %w", ErrTimerInstall, err))
	}

	s.dirty = true
	s.publish()

	s.logger.Debug().
		Dur(`quantum`, s.quantum).
		Int(`max_threads`, cfg.maxThreads).
		Log(`thread library initialized`)

	return s, nil
}

// Spawn creates a thread that will run entry, appending it to the ready
// queue. The new thread gets the smallest free id, and starts with tick
// delivery unmasked.
//
// If entry returns, panics, or calls runtime.Goexit, the thread is
// terminated as if it called Terminate on itself.
func (s *Scheduler) Spawn(entry EntryPoint) (ThreadID, error) {
	if err := s.enter(opSpawn, -1); err != nil {
		return -1, err
	}
	if entry == nil {
		return -1, s.leave(opSpawn, -1, s.fail(opSpawn, -1, ErrInvalidEntryPoint))
	}
	t := s.table.claim(MainThreadID + 1)
	if t == nil {
		return -1, s.leave(opSpawn, -1, s.fail(opSpawn, -1, ErrCapacityExceeded))
	}
	t.entry = entry
	t.state = StateReady
	t.ctx = s.newThread(t)
	s.ready.push(t.id)
	s.dirty = true

	s.logger.Debug().
		Int(`tid`, int(t.id)).
		Log(`thread spawned`)

	tid := t.id
	if err := s.leave(opSpawn, -1, nil); err != nil {
		return -1, err
	}
	return tid, nil
}

// Terminate terminates tid, freeing its id for reuse.
//
// Terminating MainThreadID tears down the library: the timer is stopped,
// every thread is discarded, Done is closed, and the exit hook (os.Exit, by
// default) is called with status 0. All subsequent calls fail with
// ErrTerminated.
//
// A thread terminating itself never returns.
//
// The goroutine of a terminated thread unwinds via runtime.Goexit. Its
// deferred calls run to completion before Terminate returns, or, for a thread
// terminating itself, before the next thread runs. They must not block, nor
// yield, sleep, or otherwise switch threads.
func (s *Scheduler) Terminate(tid ThreadID) error {
	if err := s.enter(opTerminate, tid); err != nil {
		return err
	}
	t := s.table.get(tid)
	if t == nil {
		return s.leave(opTerminate, tid, s.fail(opTerminate, tid, ErrThreadNotFound))
	}
	if tid == MainThreadID {
		return s.teardown()
	}

	s.logger.Debug().
		Int(`tid`, int(tid)).
		Log(`thread terminated`)

	s.release(t)
	// unwinds a parked goroutine, but only marks the caller's own
	t.ctx.Discard()
	if tid != s.current {
		return s.leave(opTerminate, tid, nil)
	}

	next := s.advance(t, ReasonTerminate)
	t.ctx.Exit(next.ctx)
	panic(`unreachable`)
}

func (s *Scheduler) teardown() error {
	if !s.state.TryTransition(StateActive, StateTerminating) {
		return opError(opTerminate, MainThreadID, ErrTerminated)
	}

	if err := s.timer.Stop(); err != nil {
		s.logTimerError(`stop`, err)
	}

	caller := s.table.slots[s.current]
	mainThread := s.table.slots[MainThreadID]
	var discard []*fiber.Fiber
	for _, t := range s.table.slots {
		if t == nil {
			continue
		}
		if t != caller && t != mainThread {
			discard = append(discard, t.ctx)
		}
		s.release(t)
	}

	s.state.Store(StateTerminated)
	s.publish()

	s.logger.Debug().
		Int(`total_quantums`, s.total).
		Log(`thread library terminated`)

	close(s.done)
	s.exit(0)

	// the exit hook returned, unwind every goroutine, one at a time
	for _, f := range discard {
		f.Discard()
	}
	if caller == mainThread {
		return nil
	}
	// main observes the teardown on waking
	caller.ctx.Discard()
	caller.ctx.Exit(mainThread.ctx)
	return nil
}

// Block moves tid to the Blocked state, and adds it to the blocked set,
// until it is resumed. Blocking a thread already in the blocked set is a
// no-op, and a sleeping thread stays asleep. A thread blocking itself
// returns once resumed and scheduled.
func (s *Scheduler) Block(tid ThreadID) error {
	if err := s.enter(opBlock, tid); err != nil {
		return err
	}
	if tid == MainThreadID {
		return s.leave(opBlock, tid, s.fail(opBlock, tid, ErrMainThreadForbidden))
	}
	t := s.table.get(tid)
	if t == nil {
		return s.leave(opBlock, tid, s.fail(opBlock, tid, ErrThreadNotFound))
	}
	if !s.blocked.add(tid) {
		return s.leave(opBlock, tid, nil)
	}
	s.dirty = true

	switch t.state {
	case StateRunning:
		s.schedule(ReasonBlock)
	case StateReady:
		s.ready.remove(tid)
		t.state = StateBlocked
	}
	return s.leave(opBlock, tid, nil)
}

// Resume removes tid from the blocked set. It becomes Ready, at the tail of
// the ready queue, unless it is sleeping with a positive countdown. A sleep of
// 0 is ended early. Resuming a thread that isn't Blocked is a no-op.
func (s *Scheduler) Resume(tid ThreadID) error {
	if err := s.enter(opResume, tid); err != nil {
		return err
	}
	t := s.table.get(tid)
	if t == nil {
		return s.leave(opResume, tid, s.fail(opResume, tid, ErrThreadNotFound))
	}
	if t.state == StateBlocked {
		changed := s.blocked.remove(tid)
		if t.sleep == 0 && s.sleeping.remove(tid) {
			changed = true
		}
		if changed {
			s.dirty = true
			if !s.sleeping.contains(tid) {
				t.state = StateReady
				s.ready.push(tid)
			}
		}
	}
	return s.leave(opResume, tid, nil)
}

// Sleep blocks the running thread for n quantums, i.e. it becomes Ready on
// the n-th subsequent scheduling event. A sleep of 0 lasts until the next
// scheduling event, like a sleep of 1. The main thread may not sleep.
func (s *Scheduler) Sleep(n int) error {
	if err := s.enter(opSleep, -1); err != nil {
		return err
	}
	if s.current == MainThreadID {
		return s.leave(opSleep, s.current, s.fail(opSleep, s.current, ErrMainThreadForbidden))
	}
	if n < 0 {
		return s.leave(opSleep, s.current, s.fail(opSleep, s.current, ErrNegativeSleep))
	}
	s.table.slots[s.current].sleep = n
	s.schedule(ReasonSleep)
	return s.leave(opSleep, -1, nil)
}

// Yield gives up the remainder of the running thread's quantum, moving it to
// the tail of the ready queue. It behaves like a delivered tick.
func (s *Scheduler) Yield() error {
	if err := s.enter(opYield, -1); err != nil {
		return err
	}
	s.schedule(ReasonYield)
	return s.leave(opYield, -1, nil)
}

// Checkpoint is a preemption point. It delivers a pending tick, if any, and
// is otherwise very cheap. Threads that run for long periods without calling
// into the Scheduler must call it regularly, to be preempted.
//
// Calls by anything but the running thread, or after teardown, are ignored.
func (s *Scheduler) Checkpoint() {
	if !s.pending.Load() || !s.state.CanAcceptCalls() {
		return
	}
	if s.ownershipCheck && getGoroutineID() != s.runningGID.Load() {
		return
	}
	s.masked++
	s.unmask()
}

// CurrentThreadID returns the id of the running thread.
func (s *Scheduler) CurrentThreadID() ThreadID {
	return s.current
}

// TotalQuantums returns the number of quantums started since New, including
// the current one.
func (s *Scheduler) TotalQuantums() int {
	return s.total
}

// QuantumsOf returns the number of quantums tid has started, i.e. the number
// of times it became Running, including the current one, if it is running.
func (s *Scheduler) QuantumsOf(tid ThreadID) (int, error) {
	if err := s.enter(opQuantums, tid); err != nil {
		return 0, err
	}
	t := s.table.get(tid)
	if t == nil {
		return 0, s.leave(opQuantums, tid, s.fail(opQuantums, tid, ErrThreadNotFound))
	}
	n := t.quantums
	if err := s.leave(opQuantums, tid, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// StateOf returns the state of tid.
func (s *Scheduler) StateOf(tid ThreadID) (ThreadState, error) {
	if err := s.enter(opState, tid); err != nil {
		return 0, err
	}
	t := s.table.get(tid)
	if t == nil {
		return 0, s.leave(opState, tid, s.fail(opState, tid, ErrThreadNotFound))
	}
	state := t.state
	if err := s.leave(opState, tid, nil); err != nil {
		return 0, err
	}
	return state, nil
}

// SleepRemaining returns the countdown of tid, or 0 if it isn't sleeping.
func (s *Scheduler) SleepRemaining(tid ThreadID) (int, error) {
	if err := s.enter(opSleepRemaining, tid); err != nil {
		return 0, err
	}
	t := s.table.get(tid)
	if t == nil {
		return 0, s.leave(opSleepRemaining, tid, s.fail(opSleepRemaining, tid, ErrThreadNotFound))
	}
	var n int
	if s.sleeping.contains(tid) {
		n = t.sleep
	}
	if err := s.leave(opSleepRemaining, tid, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// Stats returns the latest published snapshot. Safe to call from any
// goroutine.
func (s *Scheduler) Stats() Stats {
	if st := s.stats.Load(); st != nil {
		return *st
	}
	return Stats{}
}

// Metrics returns the slice metrics, which are only collected if enabled via
// WithMetrics. Safe to call from any goroutine.
func (s *Scheduler) Metrics() SliceMetrics {
	if s.slices == nil {
		return SliceMetrics{}
	}
	return s.slices.snapshot()
}

// Done is closed once the library is torn down.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// State returns the lifecycle state. Safe to call from any goroutine.
func (s *Scheduler) State() LibraryState {
	return s.state.Load()
}

// Quantum returns the preemption interval.
func (s *Scheduler) Quantum() time.Duration {
	return s.quantum
}

// MaxThreads returns the capacity of the thread table.
func (s *Scheduler) MaxThreads() int {
	return s.table.capacity()
}
