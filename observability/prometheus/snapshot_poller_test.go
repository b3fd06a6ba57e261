package prometheus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-uthread"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type schedulerStub struct {
	mu      sync.Mutex
	stats   uthread.Stats
	metrics uthread.SliceMetrics
}

func (s *schedulerStub) Stats() uthread.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *schedulerStub) Metrics() uthread.SliceMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func TestSnapshotPoller_CollectsSchedulerStats(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("uthread", reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddScheduler("sched-a", &schedulerStub{
		stats: uthread.Stats{
			Threads: []uthread.ThreadStats{
				{ID: 0, State: uthread.StateRunning, Quantums: 5},
				{ID: 1, State: uthread.StateReady, Quantums: 2},
				{ID: 3, State: uthread.StateBlocked, Quantums: 1, Blocked: true},
			},
			Ready:         []uthread.ThreadID{1},
			Blocked:       []uthread.ThreadID{3},
			TotalQuantums: 8,
			State:         uthread.StateActive,
		},
		metrics: uthread.SliceMetrics{
			Count: 7,
			P50:   2 * time.Millisecond,
			P90:   4 * time.Millisecond,
			P99:   8 * time.Millisecond,
			Max:   9 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(poller.totalQuantums.WithLabelValues("sched-a")) == 8
	})

	if got := testutil.ToFloat64(poller.threadQuantums.WithLabelValues("sched-a", "3")); got != 1 {
		t.Fatalf("thread 3 quantums = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.threadState.WithLabelValues("sched-a", "Blocked")); got != 1 {
		t.Fatalf("blocked threads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.terminated.WithLabelValues("sched-a")); got != 0 {
		t.Fatalf("terminated = %v, want 0", got)
	}
	if got := testutil.ToFloat64(poller.sliceQuantile.WithLabelValues("sched-a", "0.9")); got != 0.004 {
		t.Fatalf("p90 = %v, want 0.004", got)
	}
	if got := testutil.ToFloat64(poller.sliceMax.WithLabelValues("sched-a")); got != 0.009 {
		t.Fatalf("max = %v, want 0.009", got)
	}
}

func TestSnapshotPoller_dropsExitedThreads(t *testing.T) {
	poller, err := NewSnapshotPoller("", prom.NewRegistry(), time.Hour)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	stub := &schedulerStub{stats: uthread.Stats{
		Threads: []uthread.ThreadStats{
			{ID: 0, State: uthread.StateRunning, Quantums: 1},
			{ID: 1, State: uthread.StateReady},
			{ID: 2, State: uthread.StateReady},
		},
		State: uthread.StateActive,
	}}
	poller.AddScheduler("", stub)

	poller.collectOnce()
	if n := testutil.CollectAndCount(poller.threadQuantums); n != 3 {
		t.Fatalf("thread series = %d, want 3", n)
	}

	stub.mu.Lock()
	stub.stats.Threads = stub.stats.Threads[:1]
	stub.stats.State = uthread.StateTerminated
	stub.mu.Unlock()

	poller.collectOnce()
	if n := testutil.CollectAndCount(poller.threadQuantums); n != 1 {
		t.Fatalf("thread series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(poller.terminated.WithLabelValues("default")); got != 1 {
		t.Fatalf("terminated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.threadState.WithLabelValues("default", "Ready")); got != 0 {
		t.Fatalf("ready threads = %v, want 0", got)
	}
}

func TestSnapshotPoller_realScheduler(t *testing.T) {
	poller, err := NewSnapshotPoller("uthread", prom.NewRegistry(), time.Hour)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	timer := uthread.NewManualTimer()
	s, err := uthread.New(1000, uthread.WithTimer(timer), uthread.WithMetrics(true), uthread.WithExitFunc(func(int) {}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Terminate(uthread.MainThreadID)
	if _, err := s.Spawn(func() {
		for {
			timer.Fire()
			s.Checkpoint()
		}
	}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	// each iteration runs thread 1 for one quantum
	for i := 0; i < 2; i++ {
		timer.Fire()
		s.Checkpoint()
	}

	poller.AddScheduler("main", s)
	poller.collectOnce()

	if got := testutil.ToFloat64(poller.totalQuantums.WithLabelValues("main")); got != 5 {
		t.Fatalf("total quantums = %v, want 5", got)
	}
	if got := testutil.ToFloat64(poller.threadQuantums.WithLabelValues("main", "1")); got != 2 {
		t.Fatalf("thread 1 quantums = %v, want 2", got)
	}
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	poller, err := NewSnapshotPoller("uthread", prom.NewRegistry(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
	poller.Start(ctx)
	poller.Stop()
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
