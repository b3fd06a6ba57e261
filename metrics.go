package uthread

import (
	"strconv"
	"sync"
	"time"
)

// SwitchReason is the cause of a scheduling event.
type SwitchReason uint8

const (
	// ReasonPreempt is a delivered timer tick.
	ReasonPreempt SwitchReason = iota
	// ReasonYield is a voluntary give-up, via Scheduler.Yield.
	ReasonYield
	// ReasonBlock is the running thread blocking itself.
	ReasonBlock
	// ReasonSleep is the running thread going to sleep.
	ReasonSleep
	// ReasonTerminate is the running thread terminating, including by
	// returning from (or panicking in) its entry point.
	ReasonTerminate
)

// String returns a human-readable representation of the reason.
func (r SwitchReason) String() string {
	switch r {
	case ReasonPreempt:
		return "preempt"
	case ReasonYield:
		return "yield"
	case ReasonBlock:
		return "block"
	case ReasonSleep:
		return "sleep"
	case ReasonTerminate:
		return "terminate"
	default:
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

// Observer receives scheduler events, e.g. to export metrics. Methods must
// not call back into the Scheduler.
type Observer interface {
	// ObserveSwitch is called by the running thread, while scheduler state is
	// masked, for every scheduling event. The held duration is how long from
	// was Running, since it last entered that state. From and to are equal
	// when the running thread continues.
	ObserveSwitch(from, to ThreadID, reason SwitchReason, held time.Duration)
	// ObserveThreads is called by the running thread, with the table
	// occupancy, whenever it changes. Blocked is the size of the blocked set.
	ObserveThreads(live, ready, blocked, sleeping int)
	// ObserveError is called for every failed call, possibly from a
	// goroutine that is not a thread.
	ObserveError(op string, err error)
}

// SliceMetrics summarises how long threads held the CPU, per quantum, i.e.
// between entering Running and the next scheduling event.
//
// Percentiles are P-Square estimates.
type SliceMetrics struct {
	// Switches counts the scheduling events recorded, by reason.
	Switches [ReasonTerminate + 1]int64
	Count    int64
	Sum      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P90      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// sliceRecorder is written by the running thread, and read from anywhere.
type sliceRecorder struct {
	p50, p90, p99 *quantileEstimator
	current       SliceMetrics
	mu            sync.Mutex
}

func newSliceRecorder() *sliceRecorder {
	return &sliceRecorder{
		p50: newQuantileEstimator(.50),
		p90: newQuantileEstimator(.90),
		p99: newQuantileEstimator(.99),
	}
}

func (x *sliceRecorder) record(reason SwitchReason, held time.Duration) {
	x.mu.Lock()
	defer x.mu.Unlock()

	m := &x.current
	if int(reason) < len(m.Switches) {
		m.Switches[reason]++
	}
	m.Count++
	m.Sum += held
	m.Mean = m.Sum / time.Duration(m.Count)
	m.Max = max(m.Max, held)

	v := float64(held)
	x.p50.update(v)
	x.p90.update(v)
	x.p99.update(v)
	m.P50 = time.Duration(x.p50.value())
	m.P90 = time.Duration(x.p90.value())
	m.P99 = time.Duration(x.p99.value())
}

func (x *sliceRecorder) snapshot() SliceMetrics {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.current
}
