package uthread

import (
	"errors"
	"sync"
	"time"
)

// Timer is the source of preemption ticks.
//
// Implementations invoke fire, from any goroutine, once per elapsed quantum.
// Fire must be cheap and never block: a Scheduler only ever raises a flag. A
// timer that falls behind may skip or coalesce firings.
type Timer interface {
	// Start arms a periodic timer, with both the initial expiry and the
	// interval set to quantum.
	Start(quantum time.Duration, fire func()) error
	// Reset rearms the timer so the next expiry is a full quantum from now.
	Reset() error
	// Stop disarms the timer, and releases any resources. It is safe to call
	// more than once.
	Stop() error
}

var (
	errTimerStarted    = errors.New("uthread: timer already started")
	errTimerNotStarted = errors.New("uthread: timer not started")
)

// NewTickerTimer returns a portable Timer, backed by a [time.Ticker].
func NewTickerTimer() Timer {
	return &tickerTimer{}
}

type tickerTimer struct {
	ticker  *time.Ticker
	stop    chan struct{}
	done    chan struct{}
	quantum time.Duration
	mu      sync.Mutex
}

func (x *tickerTimer) Start(quantum time.Duration, fire func()) error {
	if quantum <= 0 || fire == nil {
		return ErrInvalidQuantum
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ticker != nil {
		return errTimerStarted
	}
	x.quantum = quantum
	x.ticker = time.NewTicker(quantum)
	x.stop = make(chan struct{})
	x.done = make(chan struct{})
	go x.run(x.ticker.C, fire)
	return nil
}

func (x *tickerTimer) run(c <-chan time.Time, fire func()) {
	defer close(x.done)
	for {
		select {
		case <-x.stop:
			return
		case <-c:
			fire()
		}
	}
}

func (x *tickerTimer) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ticker == nil {
		return errTimerNotStarted
	}
	select {
	case <-x.stop:
		return nil
	default:
	}
	x.ticker.Reset(x.quantum)
	return nil
}

func (x *tickerTimer) Stop() error {
	x.mu.Lock()
	if x.ticker == nil {
		x.mu.Unlock()
		return nil
	}
	select {
	case <-x.stop:
		x.mu.Unlock()
		return nil
	default:
	}
	x.ticker.Stop()
	close(x.stop)
	done := x.done
	x.mu.Unlock()
	<-done
	return nil
}

// ManualTimer is a Timer that only fires when told to. It makes preemption
// deterministic, for tests and simulations.
//
// The typical pattern is for a thread body to call Fire, then
// [Scheduler.Checkpoint], which delivers the tick.
type ManualTimer struct {
	fire    func()
	quantum time.Duration
	resets  int
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewManualTimer returns an unstarted ManualTimer.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

func (x *ManualTimer) Start(quantum time.Duration, fire func()) error {
	if quantum <= 0 || fire == nil {
		return ErrInvalidQuantum
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.started {
		return errTimerStarted
	}
	x.started = true
	x.quantum = quantum
	x.fire = fire
	return nil
}

func (x *ManualTimer) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.started {
		return errTimerNotStarted
	}
	x.resets++
	return nil
}

func (x *ManualTimer) Stop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stopped = true
	return nil
}

// Fire simulates an expiry. It returns false if the timer is not running.
func (x *ManualTimer) Fire() bool {
	x.mu.Lock()
	fire := x.fire
	ok := x.started && !x.stopped
	x.mu.Unlock()
	if ok {
		fire()
	}
	return ok
}

// Resets returns the number of times the timer has been rearmed.
func (x *ManualTimer) Resets() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.resets
}

// Quantum returns the interval passed to Start.
func (x *ManualTimer) Quantum() time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.quantum
}

// Stopped reports whether Stop has been called.
func (x *ManualTimer) Stopped() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopped
}
