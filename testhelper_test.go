package uthread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestScheduler returns a Scheduler driven by a ManualTimer, with the
// process exit disabled, that is torn down on cleanup.
func newTestScheduler(t testing.TB, opts ...Option) (*Scheduler, *ManualTimer) {
	t.Helper()
	timer := NewManualTimer()
	s, err := New(100000, append([]Option{WithTimer(timer), WithExitFunc(func(int) {})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.State() == StateActive {
			_ = s.Terminate(MainThreadID)
		}
	})
	return s, timer
}

// preempt simulates a timer expiry, delivered immediately by the calling
// thread.
func preempt(s *Scheduler, timer *ManualTimer) {
	timer.Fire()
	s.Checkpoint()
}

// spin is a thread body that does nothing but get preempted.
func spin(s *Scheduler, timer *ManualTimer) EntryPoint {
	return func() {
		for {
			preempt(s, timer)
		}
	}
}

func waitClosed(t testing.TB, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// recordingObserver is an Observer that records every call.
type recordingObserver struct {
	switches []observedSwitch
	threads  [][4]int
	errors   []string
	mu       sync.Mutex
}

type observedSwitch struct {
	from, to ThreadID
	reason   SwitchReason
}

func (x *recordingObserver) ObserveSwitch(from, to ThreadID, reason SwitchReason, held time.Duration) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.switches = append(x.switches, observedSwitch{from, to, reason})
}

func (x *recordingObserver) ObserveThreads(live, ready, blocked, sleeping int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.threads = append(x.threads, [4]int{live, ready, blocked, sleeping})
}

func (x *recordingObserver) ObserveError(op string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.errors = append(x.errors, op)
}
